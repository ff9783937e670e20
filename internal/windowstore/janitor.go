package windowstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "notigate/pkg/logx"
)

const DefaultSweepSpec = "@every 5m"

// Janitor periodically sweeps expired counters from drivers without native expiry.
type Janitor struct {
	c   *cron.Cron
	log logx.Logger
}

// StartJanitor schedules s.Sweep on spec (cron syntax or "@every <duration>").
func StartJanitor(spec string, s Sweeper, log logx.Logger) (*Janitor, error) {
	if s == nil {
		return nil, fmt.Errorf("janitor: sweeper is nil")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	j := &Janitor{c: cron.New(), log: log}
	if _, err := j.c.AddFunc(spec, func() { j.sweep(s) }); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", spec, err)
	}
	j.c.Start()
	log.Debug("janitor started", logx.String("spec", spec))
	return j, nil
}

func (j *Janitor) sweep(s Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	n, err := s.Sweep(ctx)
	if err != nil {
		j.log.Warn("window sweep failed", logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Debug("window sweep", logx.Int64("removed", n), logx.Duration("took", time.Since(start)))
	}
}

// Stop stops scheduling and waits for a running sweep until ctx is done.
func (j *Janitor) Stop(ctx context.Context) {
	if j == nil || j.c == nil {
		return
	}
	done := j.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
