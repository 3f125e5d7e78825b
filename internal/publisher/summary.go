// Package publisher announces finished crawl runs to downstream consumers.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mapharvest/internal/crawl"
)

// Publisher sends one payload to a topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads expose broker attributes alongside their body.
type Attributed interface {
	Attributes() map[string]string
}

// RunSummary is the message published once a run stops.
type RunSummary struct {
	crawl.Report
	Locations   []string `json:"locations"`
	Categories  []string `json:"categories"`
	ResultsCSV  string   `json:"resultsCsv"`
	ResultsXLSX string   `json:"resultsXlsx"`
}

// Attributes lets subscribers filter on run id and outcome without decoding
// the body.
func (s RunSummary) Attributes() map[string]string {
	return map[string]string{
		"run_id":  s.RunID,
		"outcome": string(s.Outcome),
	}
}

// Announce publishes summary with a bounded timeout. Failures are logged and
// returned; the run outcome does not depend on them.
func Announce(ctx context.Context, pub Publisher, topic string, summary RunSummary, logger *zap.Logger) error {
	if pub == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	id, err := pub.Publish(ctx, topic, summary)
	if err != nil {
		logger.Warn("run summary publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	logger.Info("run summary published",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.String("outcome", string(summary.Outcome)),
	)
	return nil
}
