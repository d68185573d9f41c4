package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/article-ingest/internal/progress"
)

// Publisher sends a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobNotification is the message published when a job finishes.
type JobNotification struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	OwnerID    string    `json:"owner_id"`
	Stage      string    `json:"stage"`
	Processed  int64     `json:"items_processed"`
	Skipped    int64     `json:"items_skipped"`
	Failed     int64     `json:"items_failed"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// NotifySink publishes one JobNotification per terminal event. Non-terminal
// events are ignored. A publish failure is logged and the rest of the batch
// is still sent.
type NotifySink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink builds a NotifySink that publishes to topic.
func NewNotifySink(publisher Publisher, topic string, logger *zap.Logger) (*NotifySink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger.Named("notify")}, nil
}

// Consume implements progress.Sink.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	var firstErr error
	for _, evt := range batch {
		if !evt.Stage.IsTerminal() {
			continue
		}
		msg := JobNotification{
			JobID:      evt.JobID,
			Kind:       evt.Kind,
			OwnerID:    evt.Owner,
			Stage:      string(evt.Stage),
			Processed:  evt.Processed,
			Skipped:    evt.Skipped,
			Failed:     evt.Failed,
			DurationMS: evt.Dur.Milliseconds(),
			FinishedAt: evt.TS,
		}
		if evt.Stage == progress.StageJobError {
			msg.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			s.logger.Warn("publish job notification failed", zap.String("job_id", evt.JobID), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s: %w", evt.JobID, err)
			}
			continue
		}
		s.logger.Debug("job notification published", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return firstErr
}

// Close implements progress.Sink; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
