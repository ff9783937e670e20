package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notigate/internal/app"
	"notigate/internal/config"
	"notigate/internal/dispatch"
	"notigate/internal/event"
	"notigate/internal/gate"
	"notigate/internal/metrics"
	logx "notigate/pkg/logx"
)

const usage = `usage: notigate <command> [flags]

commands:
  serve    run the gate; reads candidates as JSON lines on stdin (default)
  decide   evaluate one candidate and record it if allowed
  status   show the remaining budget of a session
  reset    clear the rate-limit windows of a session
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "decide":
		err = runDecide(args)
	case "status":
		err = runStatus(args)
	case "reset":
		err = runReset(args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.json", "path to config (json or yaml)")
	stdin := fs.Bool("stdin", true, "read candidates from stdin; stop when it closes")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := &resultWriter{enc: json.NewEncoder(os.Stdout)}
	a, err := app.NewApp(*cfgPath, app.Options{OnResult: out.write})
	if err != nil {
		return err
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	inputDone := make(chan struct{})
	if *stdin {
		go func() {
			defer close(inputDone)
			readCandidates(ctx, os.Stdin, a.Dispatch(), log)
		}()
	}

	reason := app.StopAppStop
	select {
	case <-ctx.Done():
		reason = app.StopSIGTERM
	case <-inputDone:
		reason = app.StopInputClosed
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

// readCandidates submits one candidate per JSON line until r is exhausted.
func readCandidates(ctx context.Context, r io.Reader, d *dispatch.Service, log logx.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var c dispatch.Candidate
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			log.Warn("bad candidate line", logx.Err(err))
			continue
		}
		if strings.TrimSpace(c.SessionID) == "" {
			log.Warn("candidate without session_id ignored")
			continue
		}
		if _, err := d.Submit(ctx, c); err != nil && !errors.Is(err, dispatch.ErrQueueFull) {
			log.Warn("submit failed", logx.String("session", c.SessionID), logx.Err(err))
			if ctx.Err() != nil || errors.Is(err, dispatch.ErrStopped) {
				return
			}
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("stdin read failed", logx.Err(err))
	}
}

type resultWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *resultWriter) write(r dispatch.Result) {
	w.mu.Lock()
	_ = w.enc.Encode(r)
	w.mu.Unlock()
}

type oneShot struct {
	cfgPath string
	session string
}

func (o *oneShot) bind(fs *flag.FlagSet) {
	fs.StringVar(&o.cfgPath, "config", "./config.json", "path to config (json or yaml)")
	fs.StringVar(&o.session, "session", "", "device session id")
}

// open loads the config and builds the decision path with console logging at warn level.
func (o *oneShot) open() (*app.Core, func(), error) {
	if strings.TrimSpace(o.session) == "" {
		return nil, nil, errors.New("-session is required")
	}
	m := config.NewManager(o.cfgPath)
	m.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	core, err := app.OpenCore(cfg, logx.NewConsole("WARN"), nil, metrics.Noop{})
	if err != nil {
		return nil, nil, err
	}
	return core, func() { _ = core.Close(context.Background()) }, nil
}

func runDecide(args []string) error {
	var o oneShot
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	o.bind(fs)
	ev := fs.String("event", "", "lifecycle event (session_started, session_stopped, server_down, server_up)")
	sev := fs.String("severity", "", "explicit severity (low, warning, high); overrides -event mapping")
	at := fs.String("at", "", "evaluation time (RFC3339); default now")
	_ = fs.Parse(args)

	c := gate.Candidate{SessionID: o.session, Event: event.Type(strings.TrimSpace(*ev))}
	if strings.TrimSpace(*sev) != "" {
		s, err := event.ParseSeverity(*sev)
		if err != nil {
			return err
		}
		c.Severity = s
	}
	if strings.TrimSpace(*at) != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		c.Now = t
	}

	core, closeFn, err := o.open()
	if err != nil {
		return err
	}
	defer closeFn()

	c.RateLimit, c.QuietHours = core.Resolver.Prefs(o.session)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := core.Gate.Decide(ctx, c)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(d)
}

type statusOutput struct {
	SessionID       string `json:"session_id"`
	MinuteCount     int64  `json:"minuteCount"`
	HourCount       int64  `json:"hourCount"`
	RemainingMinute int64  `json:"remainingMinute"`
	RemainingHour   int64  `json:"remainingHour"`
	ResetMinuteIn   int64  `json:"resetMinuteIn"`
	ResetHourIn     int64  `json:"resetHourIn"`
}

func runStatus(args []string) error {
	var o oneShot
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	o.bind(fs)
	_ = fs.Parse(args)

	core, closeFn, err := o.open()
	if err != nil {
		return err
	}
	defer closeFn()

	rl, _ := core.Resolver.Prefs(o.session)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := core.Gate.Status(ctx, o.session, rl)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(statusOutput{
		SessionID:       o.session,
		MinuteCount:     st.MinuteCount,
		HourCount:       st.HourCount,
		RemainingMinute: st.RemainingMinute,
		RemainingHour:   st.RemainingHour,
		ResetMinuteIn:   int64(math.Ceil(st.ResetMinuteIn.Seconds())),
		ResetHourIn:     int64(math.Ceil(st.ResetHourIn.Seconds())),
	})
}

func runReset(args []string) error {
	var o oneShot
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	o.bind(fs)
	_ = fs.Parse(args)

	core, closeFn, err := o.open()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := core.Gate.Reset(ctx, o.session); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "reset %s\n", o.session)
	return nil
}
