package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/progress"
)

// LogSink emits structured logs for progress streams. It is the default sink
// when no database is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Location != "" {
			fields = append(fields, zap.String("location", evt.Location))
		}
		if evt.Category != "" {
			fields = append(fields, zap.String("category", evt.Category), zap.Int("segment", evt.Segment))
		}
		if evt.Found > 0 || evt.Appended > 0 {
			fields = append(fields, zap.Int64("found", evt.Found), zap.Int64("appended", evt.Appended))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
