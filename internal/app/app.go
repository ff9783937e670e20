package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"notigate/internal/config"
	"notigate/internal/dispatch"
	"notigate/internal/eventbus"
	"notigate/internal/metrics"
	"notigate/internal/opsserver"
	logx "notigate/pkg/logx"
)

// Options customizes the long-running app.
type Options struct {
	// Sender delivers allowed notifications; nil logs them instead.
	Sender dispatch.Sender
	// OnResult receives every finished dispatch result.
	OnResult func(dispatch.Result)
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics *metrics.Metrics
	core    *Core
	disp    *dispatch.Service
	ops     *opsserver.Server

	cancel context.CancelFunc
	group  *errgroup.Group
	runCtx context.Context
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	core, err := OpenCore(cfg, log, bus, m)
	if err != nil {
		_ = m.Shutdown(context.Background())
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = core.Close(context.Background())
		return nil, err
	}
	sender := opts.Sender
	if sender == nil {
		sender = dispatch.LogSender{Log: log.With(logx.String("comp", "sender"))}
	}
	disp, err := dispatch.New(dcfg, dispatch.Deps{
		Gate:     core.Gate,
		Prefs:    core.Resolver,
		Sender:   sender,
		Log:      log,
		Bus:      bus,
		Metrics:  m,
		OnResult: opts.OnResult,
	})
	if err != nil {
		_ = core.Close(context.Background())
		return nil, err
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = core.Close(context.Background())
		return nil, err
	}
	ops := opsserver.New(ocfg, opsserver.Deps{Metrics: m.Handler(), Health: core.Healthy}, log)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		core:    core,
		disp:    disp,
		ops:     ops,
	}, nil
}

func (a *App) Core() *Core                 { return a.core }
func (a *App) Dispatch() *dispatch.Service { return a.disp }
func (a *App) Config() *config.Config      { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger         { return a.log }
func (a *App) Ops() *opsserver.Server      { return a.ops }

// Done is closed when the run context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.runCtx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.runCtx.Done()
}

// Err returns the first fatal error of a background loop, if any.
func (a *App) Err() error {
	if a.runCtx == nil {
		return nil
	}
	if err := context.Cause(a.runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	parent, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(parent)
	a.cancel, a.group, a.runCtx = cancel, g, gctx

	cfg := a.cfgm.Get()
	if err := a.core.StartJanitor(cfg.Store.Sweep); err != nil {
		return err
	}
	if err := a.ops.Start(gctx); err != nil {
		return err
	}
	if a.disp.Enabled() {
		a.disp.Start(gctx)
	}

	// Debug-level event trace; components can also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	g.Go(func() error {
		defer unsub()
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-gctx.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(gctx, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	g.Go(func() error {
		return a.cfgm.Watch(gctx)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		if s == "store" {
			a.log.Warn("store config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.core.Resolver.Update(next)

	if dcfg, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.disp.Enabled()
		a.disp.Apply(dcfg)
		switch {
		case wasEnabled && !dcfg.Enabled:
			a.log.Info("dispatch disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		case !wasEnabled && dcfg.Enabled:
			a.log.Info("dispatch enabled via config")
			a.disp.Start(ctx)
		}
	}

	if ocfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else if err := a.ops.Reconfigure(ctx, ocfg); err != nil {
		a.log.Warn("ops server reconfigure failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Dispatch drains before the run context goes away so queued candidates still get a decision.
	a.step(ctx, "dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })

	a.cancel()

	a.step(ctx, "ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "store", 2*time.Second, func(c context.Context) error { return a.core.Close(c) })
	a.step(ctx, "metrics", 1*time.Second, func(c context.Context) error { return a.metrics.Shutdown(c) })
	a.step(ctx, "background", 2*time.Second, func(context.Context) error { return a.group.Wait() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
