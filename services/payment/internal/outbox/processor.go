// Package outbox relays payment events written alongside payment state
// changes to Kafka.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/Skotchmaster/bonebuddy/services/payment/internal/repo"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 10
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type Processor struct {
	Repo         *repo.GormRepo
	Publisher    Publisher
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Logger       *slog.Logger
}

// Run polls until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	l := p.logger()
	l.Info("outbox_processor_started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info("outbox_processor_stopped")
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				l.Error("outbox_poll_failed", "error", err)
			}
		}
	}
}

// ProcessOnce publishes one batch of pending messages in creation order and
// returns how many were sent.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	batch := p.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	l := p.logger()

	msgs, err := p.Repo.PendingOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	// A payment's events must reach Kafka in order, so once one fails the
	// rest of that payment's batch waits for the next poll.
	blocked := make(map[string]struct{})
	for _, msg := range msgs {
		if _, ok := blocked[msg.AggregateID]; ok {
			continue
		}
		if err := p.Publisher.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			blocked[msg.AggregateID] = struct{}{}
			l.Warn("outbox_publish_failed", "message_id", msg.ID, "aggregate_id", msg.AggregateID, "event_type", msg.EventType, "attempt", msg.Attempts+1, "error", err)
			if msg.Attempts+1 >= maxAttempts {
				l.Error("outbox_message_abandoned", "message_id", msg.ID, "aggregate_id", msg.AggregateID, "event_type", msg.EventType)
			}
			if mErr := p.Repo.MarkOutboxAttemptFailed(ctx, msg.ID, err.Error(), maxAttempts); mErr != nil {
				return sent, mErr
			}
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			continue
		}
		if err := p.Repo.MarkOutboxSent(ctx, msg.ID); err != nil {
			return sent, err
		}
		sent++
		l.Debug("outbox_message_sent", "message_id", msg.ID, "event_type", msg.EventType, "topic", msg.Topic)
	}
	return sent, nil
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
