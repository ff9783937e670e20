package app

import (
	"context"
	"errors"
	"fmt"

	"notigate/internal/config"
	"notigate/internal/eventbus"
	"notigate/internal/gate"
	"notigate/internal/metrics"
	"notigate/internal/quiethours"
	"notigate/internal/ratelimit"
	"notigate/internal/windowstore"
	logx "notigate/pkg/logx"
)

// Core is the decision path without the dispatch pipeline or ops server.
// The one-shot CLI commands use it directly.
type Core struct {
	Store    windowstore.Store
	Limiter  *ratelimit.Limiter
	Quiet    *quiethours.Evaluator
	Gate     *gate.Gate
	Resolver *config.Resolver

	log     logx.Logger
	metrics metrics.Recorder
	janitor *windowstore.Janitor
}

// OpenCore opens the configured window store and builds the gate on top of it.
func OpenCore(cfg *config.Config, log logx.Logger, bus eventbus.Bus, rec metrics.Recorder) (*Core, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := windowstore.Open(sc, log.With(logx.String("comp", "windowstore")))
	if err != nil {
		return nil, fmt.Errorf("open window store: %w", err)
	}
	log.Info("window store ready", logx.String("driver", sc.Driver))

	lim, err := ratelimit.New(store, ratelimit.Options{KeyPrefix: cfg.Store.KeyPrefix, Log: log})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	quiet := quiethours.New(quiethours.Options{
		Log: log,
		OnFallback: func(tz string) {
			rec.RecordTimezoneFallback(context.Background(), tz)
		},
	})
	g, err := gate.New(lim, quiet, gate.Options{Log: log, Bus: bus, Metrics: rec})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Core{
		Store:    store,
		Limiter:  lim,
		Quiet:    quiet,
		Gate:     g,
		Resolver: config.NewResolver(cfg),
		log:      log,
		metrics:  rec,
	}, nil
}

type recordingSweeper struct {
	s   windowstore.Sweeper
	rec metrics.Recorder
}

func (r recordingSweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.s.Sweep(ctx)
	if err == nil {
		r.rec.RecordSweep(ctx, n)
	}
	return n, err
}

// StartJanitor schedules expiry sweeps when the store needs them. Redis
// expires keys natively, so it gets no janitor.
func (c *Core) StartJanitor(spec string) error {
	sw, ok := c.Store.(windowstore.Sweeper)
	if !ok || c.janitor != nil {
		return nil
	}
	j, err := windowstore.StartJanitor(spec, recordingSweeper{s: sw, rec: c.metrics}, c.log.With(logx.String("comp", "janitor")))
	if err != nil {
		return err
	}
	c.janitor = j
	return nil
}

// Healthy probes the store with a read-only lookup.
func (c *Core) Healthy(ctx context.Context) error {
	_, err := c.Store.Peek(ctx, ratelimit.DefaultKeyPrefix+"healthz")
	return err
}

// Close stops the janitor and closes the store.
func (c *Core) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.janitor.Stop(ctx)
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}
