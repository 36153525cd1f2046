package activity

import (
	"context"

	"go.uber.org/zap"
)

// LogSink mirrors the feed into the process log, one line per event.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Write(event Event) error {
	if event.Type == TypeTacticalUpdate {
		// Full projections are too chatty for the log; the counters on the
		// diagnostics endpoint track their volume.
		return nil
	}
	s.log.Infow("activity",
		"type", event.Type,
		"userId", event.UserID,
		"username", event.Username,
		"room", event.Room,
	)
	return nil
}

func (s *LogSink) Close(context.Context) error {
	return nil
}
