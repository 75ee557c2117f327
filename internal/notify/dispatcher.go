// Package notify queues lifecycle notifications per channel and delivers
// them in bounded batches with exponential backoff.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trustloop/internal/config"
	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/metrics"
	"trustloop/internal/repo"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 3
	baseDelay          = 60 * time.Second
	maxDelay           = time.Hour
)

// Backoff is the delay before the next attempt once attempts have been
// spent: min(60 * 2^attempts, 3600) seconds.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 6 {
		return maxDelay
	}
	d := baseDelay << attempts
	if d > maxDelay {
		return maxDelay
	}
	return d
}

type Dispatcher struct {
	Repo        repo.Repo
	Adapters    map[string]Adapter
	Events      events.Writer
	Now         func() time.Time
	Logger      *slog.Logger
	BatchSize   int
	MaxAttempts int
	Concurrency int
	StaleAfter  time.Duration
	Timeout     time.Duration
}

// New builds a dispatcher with every built-in adapter.
func New(r repo.Repo, cfg config.Notifications) Dispatcher {
	return Dispatcher{
		Repo:        r,
		Adapters:    DefaultAdapters(r, cfg),
		Now:         time.Now,
		Logger:      slog.Default(),
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		Concurrency: cfg.Concurrency,
		StaleAfter:  cfg.StaleAfter,
		Timeout:     cfg.Timeout,
	}
}

func (d Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Enqueue creates one pending notification per enabled channel of the
// account that is subscribed to eventType.
func (d Dispatcher) Enqueue(ctx context.Context, accountID, eventType, subject, body string, data map[string]any) ([]domain.Notification, error) {
	channels, err := d.Repo.ListChannels(ctx, accountID, true)
	if err != nil {
		return nil, err
	}
	ctxJSON := ""
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode notification context: %w", err)
		}
		ctxJSON = string(raw)
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := d.now().Format(time.RFC3339)
	var out []domain.Notification
	for _, ch := range channels {
		if !ch.Subscribed(eventType) {
			continue
		}
		n := domain.Notification{
			ID:            uuid.NewString(),
			AccountID:     accountID,
			ChannelID:     ch.ID,
			EventType:     eventType,
			Subject:       subject,
			Body:          body,
			ContextJSON:   ctxJSON,
			Status:        domain.NotificationPending,
			MaxAttempts:   maxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err := repo.RetryOnBusy(ctx, 3, func() error {
			return d.Repo.InsertNotification(ctx, nil, n)
		})
		if err != nil {
			return out, fmt.Errorf("enqueue for channel %s: %w", ch.ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}

type BatchResult struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeSent outcome = iota + 1
	outcomeRetried
	outcomeFailed
)

// ProcessBatch runs one bounded dispatch pass: stale claims are reclaimed,
// then up to BatchSize due rows are claimed (which spends an attempt) and
// delivered concurrently. It returns once every claimed row is settled.
func (d Dispatcher) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	now := d.now()
	stale := d.StaleAfter
	if stale <= 0 {
		stale = 10 * time.Minute
	}
	requeued, failed, err := d.Repo.ReclaimStaleNotifications(ctx, now.Add(-stale).Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return res, fmt.Errorf("reclaim stale notifications: %w", err)
	}
	res.Reclaimed = requeued + failed
	if res.Reclaimed > 0 {
		d.logger().Warn("reclaimed stale notification claims", "requeued", requeued, "failed", failed)
	}

	limit := d.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	claimed, err := d.Repo.ClaimDueNotifications(ctx, now.Format(time.RFC3339), limit)
	if err != nil {
		return res, fmt.Errorf("claim notifications: %w", err)
	}
	res.Claimed = len(claimed)

	outcomes := make([]outcome, len(claimed))
	var g errgroup.Group
	conc := d.Concurrency
	if conc <= 0 {
		conc = 1
	}
	g.SetLimit(conc)
	for i, n := range claimed {
		g.Go(func() error {
			o, err := d.deliver(ctx, n)
			outcomes[i] = o
			return err
		})
	}
	err = g.Wait()
	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeRetried:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
	}
	return res, err
}

func (d Dispatcher) deliver(ctx context.Context, n domain.Notification) (outcome, error) {
	log := d.logger().With("notification_id", n.ID, "channel_id", n.ChannelID, "attempt", n.Attempts)
	ch, err := d.Repo.GetChannel(ctx, nil, n.ChannelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return d.fail(ctx, n, "", "channel not found")
		}
		return 0, err
	}
	if !ch.Enabled {
		return d.fail(ctx, n, ch.Type, "channel disabled")
	}
	adapter, ok := d.Adapters[ch.Type]
	if !ok {
		return d.fail(ctx, n, ch.Type, fmt.Sprintf("no adapter for channel type %s", ch.Type))
	}
	var data map[string]any
	if n.ContextJSON != "" {
		_ = json.Unmarshal([]byte(n.ContextJSON), &data)
	}
	dctx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	externalID, derr := adapter.Deliver(dctx, Delivery{
		NotificationID: n.ID,
		AccountID:      n.AccountID,
		EventType:      n.EventType,
		Channel:        ch,
		Subject:        n.Subject,
		Body:           n.Body,
		Context:        data,
	})
	now := d.now()
	if derr == nil {
		var ext *string
		if externalID != "" {
			ext = &externalID
		}
		err := repo.RetryOnBusy(ctx, 3, func() error {
			return d.Repo.MarkNotificationSent(ctx, n.ID, ch.ID, ext, now.Format(time.RFC3339))
		})
		if err != nil {
			return 0, fmt.Errorf("mark notification %s sent: %w", n.ID, err)
		}
		metrics.Notifications.WithLabelValues(ch.Type, "sent").Inc()
		log.Debug("notification sent", "external_id", externalID)
		return outcomeSent, nil
	}
	if n.Attempts >= n.MaxAttempts {
		return d.fail(ctx, n, ch.Type, derr.Error())
	}
	next := now.Add(Backoff(n.Attempts))
	err = repo.RetryOnBusy(ctx, 3, func() error {
		return d.Repo.RescheduleNotification(ctx, n.ID, derr.Error(), next.Format(time.RFC3339), now.Format(time.RFC3339))
	})
	if err != nil {
		return 0, fmt.Errorf("reschedule notification %s: %w", n.ID, err)
	}
	metrics.Notifications.WithLabelValues(ch.Type, "retry").Inc()
	log.Warn("notification delivery failed, will retry", "next_attempt_at", next.Format(time.RFC3339), "error", derr)
	return outcomeRetried, nil
}

func (d Dispatcher) fail(ctx context.Context, n domain.Notification, channelType, reason string) (outcome, error) {
	now := d.now().Format(time.RFC3339)
	err := repo.RetryOnBusy(ctx, 3, func() error {
		return d.Repo.FailNotification(ctx, n.ID, reason, now)
	})
	if err != nil {
		return 0, fmt.Errorf("fail notification %s: %w", n.ID, err)
	}
	if channelType == "" {
		channelType = "unknown"
	}
	metrics.Notifications.WithLabelValues(channelType, "failed").Inc()
	d.logger().Error("notification permanently failed",
		"notification_id", n.ID, "channel_id", n.ChannelID, "attempts", n.Attempts, "error", reason)
	err = d.Events.Append(ctx, d.Repo.DB, events.NotificationDeliveryFailed, n.AccountID, "notification", n.ID, "system", events.EventPayload{
		"channel_id": n.ChannelID, "event_type": n.EventType, "attempts": n.Attempts, "error": reason,
	})
	if err != nil {
		d.logger().Warn("notification failure event not written", "notification_id", n.ID, "error", err)
	}
	return outcomeFailed, nil
}
