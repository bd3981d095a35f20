package notifyqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/redis/go-redis/v9"
)

// Sender delivers a queue Entry to its destination.
type Sender interface {
	Send(ctx context.Context, e Entry) error
}

// SlackSender posts admin notifications to a fixed Slack channel. If no
// bot token is configured it logs instead of sending, so the dispatcher
// still drains the queue in development.
type SlackSender struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackSender creates a SlackSender. An empty botToken produces a
// logging-only sender.
func NewSlackSender(botToken, channel string, logger *slog.Logger) *SlackSender {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackSender{client: client, channel: channel, logger: logger}
}

func (s *SlackSender) Send(ctx context.Context, e Entry) error {
	text := fmt.Sprintf("[%s] tenant=%s: %s", e.EmailType, e.TenantID, string(e.Payload))

	if s.client == nil || s.channel == "" {
		s.logger.Info("notification (slack disabled)", "email_type", e.EmailType, "tenant", e.TenantID)
		return nil
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting notification to slack: %w", err)
	}
	return nil
}

// Dispatcher repeatedly drains pending entries and hands them to a Sender,
// marking each sent or failed. It wakes immediately on a wake-channel
// publish (a fresh Enqueue) in addition to its periodic poll tick.
type Dispatcher struct {
	queue    *Queue
	sender   Sender
	rdb      *redis.Client
	logger   *slog.Logger
	batch    int
	interval time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(queue *Queue, sender Sender, rdb *redis.Client, logger *slog.Logger, batch int, interval time.Duration) *Dispatcher {
	if batch <= 0 {
		batch = 10
	}
	return &Dispatcher{queue: queue, sender: sender, rdb: rdb, logger: logger, batch: batch, interval: interval}
}

// Run drains the queue once, then on every poll interval or wake signal,
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.drain(ctx)

	var wake <-chan *redis.Message
	if d.rdb != nil {
		sub := d.rdb.Subscribe(ctx, wakeChannel)
		defer sub.Close()
		wake = sub.Channel()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.drain(ctx)
		case <-wake:
			d.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	entries, err := d.queue.GetPending(ctx, d.batch)
	if err != nil {
		d.logger.Error("fetching pending notifications", "error", err)
		return
	}

	for _, e := range entries {
		if err := d.sender.Send(ctx, e); err != nil {
			d.logger.Warn("sending notification failed", "id", e.ID, "email_type", e.EmailType, "error", err)
			if markErr := d.queue.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
				d.logger.Error("marking notification failed", "id", e.ID, "error", markErr)
			}
			continue
		}
		if err := d.queue.MarkSent(ctx, e.ID); err != nil {
			d.logger.Error("marking notification sent", "id", e.ID, "error", err)
		}
	}
}
