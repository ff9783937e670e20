package quiethours

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notigate/internal/event"
	logx "notigate/pkg/logx"
)

func at(hh, mm int) time.Time {
	return time.Date(2024, 6, 15, hh, mm, 0, 0, time.UTC)
}

func TestIsQuietTime(t *testing.T) {
	t.Parallel()
	e := New(Options{})

	overnight := Prefs{Enabled: true, Start: "23:00", End: "07:00", Timezone: "UTC"}
	early := Prefs{Enabled: true, Start: "01:00", End: "06:00", Timezone: "UTC"}

	tests := []struct {
		name  string
		prefs Prefs
		now   time.Time
		want  bool
	}{
		{"overnight late evening", overnight, at(23, 30), true},
		{"overnight before end", overnight, at(6, 59), true},
		{"overnight midday", overnight, at(12, 0), false},
		{"overnight start inclusive", overnight, at(23, 0), true},
		{"overnight end inclusive", overnight, at(7, 0), true},
		{"overnight just after end", overnight, at(7, 1), false},
		{"overnight midnight", overnight, at(0, 0), true},
		{"same day before start", early, at(0, 30), false},
		{"same day inside", early, at(3, 0), true},
		{"same day start inclusive", early, at(1, 0), true},
		{"same day end inclusive", early, at(6, 0), true},
		{"same day after end", early, at(6, 1), false},
		{"disabled", Prefs{Start: "00:00", End: "23:59"}, at(12, 0), false},
		{"missing start", Prefs{Enabled: true, End: "23:59"}, at(12, 0), false},
		{"missing end", Prefs{Enabled: true, Start: "00:00"}, at(12, 0), false},
		{"malformed start", Prefs{Enabled: true, Start: "25:00", End: "06:00"}, at(3, 0), false},
		{"malformed end", Prefs{Enabled: true, Start: "01:00", End: "six"}, at(3, 0), false},
		{"seconds accepted", Prefs{Enabled: true, Start: "01:00:00", End: "06:00:30"}, at(6, 0), true},
		{"start equals end", Prefs{Enabled: true, Start: "12:00", End: "12:00"}, at(12, 0), true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, e.IsQuietTime(tt.prefs, tt.now))
		})
	}
}

func TestIsQuietTimeUsesDeviceZone(t *testing.T) {
	t.Parallel()
	e := New(Options{})
	p := Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "America/New_York"}

	// 03:30 UTC on 15 June is 23:30 EDT.
	require.True(t, e.IsQuietTime(p, at(3, 30)))
	// 16:00 UTC is 12:00 EDT.
	require.False(t, e.IsQuietTime(p, at(16, 0)))

	tokyo := Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "Asia/Tokyo"}
	// 14:00 UTC is 23:00 JST.
	require.True(t, e.IsQuietTime(tokyo, at(14, 0)))
}

func TestKnownZonesNeverFallBack(t *testing.T) {
	t.Parallel()
	var fallbacks atomic.Int64
	e := New(Options{OnFallback: func(string) { fallbacks.Add(1) }})
	for _, tz := range []string{"America/New_York", "Asia/Tokyo", "Europe/Berlin", "Australia/Adelaide"} {
		e.IsQuietTime(Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: tz}, at(12, 0))
	}
	require.Zero(t, fallbacks.Load())
}

func TestInvalidTimezoneFallsBackToUTC(t *testing.T) {
	t.Parallel()
	var (
		buf       bytes.Buffer
		fallbacks atomic.Int64
	)
	e := New(Options{
		Log:        logx.NewWriter(&buf, "debug"),
		OnFallback: func(tz string) { fallbacks.Add(1) },
	})
	p := Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "Mars/Olympus_Mons"}

	require.True(t, e.IsQuietTime(p, at(23, 0)))
	require.False(t, e.IsQuietTime(p, at(12, 0)))

	require.Equal(t, int64(2), fallbacks.Load())
	require.Equal(t, 1, strings.Count(buf.String(), "falling back to UTC"))
	require.Contains(t, buf.String(), "Mars/Olympus_Mons")
}

func TestShouldSend(t *testing.T) {
	t.Parallel()
	e := New(Options{})
	quiet := Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "UTC"}
	override := quiet
	override.OverrideCritical = true
	now := at(23, 0)

	require.False(t, e.ShouldSend(quiet, event.SeverityHigh, now))
	require.True(t, e.ShouldSend(override, event.SeverityHigh, now))
	require.False(t, e.ShouldSend(override, event.SeverityWarning, now))
	require.False(t, e.ShouldSend(override, event.SeverityLow, now))

	// Outside the window everything goes out.
	require.True(t, e.ShouldSend(quiet, event.SeverityLow, at(12, 0)))
}

func TestShouldSendEvent(t *testing.T) {
	t.Parallel()
	e := New(Options{})
	p := Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "UTC", OverrideCritical: true}
	now := at(23, 0)

	require.True(t, e.ShouldSendEvent(p, event.ServerDown, now))
	require.False(t, e.ShouldSendEvent(p, event.SessionStarted, now))
	require.False(t, e.ShouldSendEvent(p, event.ServerUp, now))
	require.True(t, e.ShouldSendEvent(p, event.SessionStarted, at(12, 0)))
}

func TestPrefsValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Prefs{}.Validate())
	require.NoError(t, Prefs{Enabled: true, Start: "22:00", End: "06:00:00", Timezone: "Europe/Berlin"}.Validate())
	require.Error(t, Prefs{Enabled: true, Start: "22:00"}.Validate())
	require.Error(t, Prefs{Enabled: true, Start: "22:60", End: "06:00"}.Validate())
	require.Error(t, Prefs{Enabled: true, Start: "22:00", End: "06:00", Timezone: "Nowhere/City"}.Validate())
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	m, err := parseClock(" 23:15 ")
	require.NoError(t, err)
	require.Equal(t, 23*60+15, m)

	m, err = parseClock("06:59:59")
	require.NoError(t, err)
	require.Equal(t, 6*60+59, m)

	for _, bad := range []string{"24:00", "12", "12:61", "12:00:60", "a:b", "1:2:3:4"} {
		_, err := parseClock(bad)
		require.Error(t, err, bad)
	}
}
