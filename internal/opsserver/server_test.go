package opsserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	logx "notigate/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestHandlerRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("notigate_gate_decisions_total 1"))
	})
	s := New(Config{}, Deps{Metrics: metrics}, logx.Nop())
	h := s.handler(Config{Pprof: false})

	code, body := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, body = get(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "notigate_gate_decisions_total")

	code, _ = get(t, h, "/debug/pprof/", "")
	require.Equal(t, http.StatusNotFound, code)

	h = s.handler(Config{Pprof: true})
	code, _ = get(t, h, "/debug/pprof/", "")
	require.Equal(t, http.StatusOK, code)
}

func TestHealthReportsStoreFailure(t *testing.T) {
	s := New(Config{}, Deps{Health: func(context.Context) error { return errors.New("redis ping failed") }}, logx.Nop())
	code, body := get(t, s.handler(Config{}), "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "redis ping failed")
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, Deps{}, logx.Nop())
	h := s.handler(Config{Token: "s3cret"})

	code, _ := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/healthz", "Bearer nope")
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/healthz", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/healthz?token=s3cret", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = get(t, h, "/healthz?token=bad", "Bearer s3cret")
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestStartStopLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Reconfigure(ctx, Config{Enabled: false}))
	require.Empty(t, s.Addr())
	require.NoError(t, s.Err())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	require.Error(t, s.Start(context.Background()))
	require.Empty(t, s.Addr())

	s = New(Config{Enabled: true, Addr: "0.0.0.0:0", Token: "t"}, Deps{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.2:80":    false,
		"garbage":        false,
	} {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
