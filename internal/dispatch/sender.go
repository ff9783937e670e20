package dispatch

import (
	"context"

	logx "notigate/pkg/logx"
)

// LogSender "delivers" by writing an info line. It is the default sender for
// the serve command, where results are also streamed to stdout.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, c Candidate) error {
	log := s.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("notification",
		logx.String("id", c.ID),
		logx.String("session", c.SessionID),
		logx.String("event", string(c.Event)),
		logx.String("severity", string(c.Severity)),
		logx.String("title", c.Title),
	)
	return nil
}
