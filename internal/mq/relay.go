package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"siteflow/internal/domain"
)

var (
	relayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_relay_events_total",
		Help: "Outbox events handed to the broker, by result.",
	}, []string{"result"})
	relayBatch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siteflow_relay_batch_size",
		Help: "Events picked up by the last relay pass.",
	})
)

// Outbox is the part of the repository the relay reads and stamps.
type Outbox interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error)
	MarkEventPublished(ctx context.Context, id int64, now string) error
}

// Sender publishes one message; *Publisher implements it.
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, msg *Message) error
}

// Relay drains the events outbox to a broker exchange, routing each event by
// its type. Delivery is at least once: an event is stamped only after the
// broker accepted it.
type Relay struct {
	Outbox    Outbox
	Sender    Sender
	Exchange  string
	BatchSize int
	Interval  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

func (r Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunOnce relays one batch and returns how many events were published. It
// stops at the first publish failure so ordering per outbox is preserved.
// An event that cannot be turned into a message is logged, stamped and
// skipped, since retrying it would stall the outbox.
func (r Relay) RunOnce(ctx context.Context) (int, error) {
	if r.Exchange == "" {
		return 0, errors.New("relay exchange is required")
	}
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	evts, err := r.Outbox.UnpublishedEvents(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	relayBatch.Set(float64(len(evts)))
	sent := 0
	for _, evt := range evts {
		msg, err := MessageFromEvent(evt)
		if err != nil {
			relayed.WithLabelValues("invalid").Inc()
			r.logger().Error("dropping unrelayable event", "event_id", evt.ID, "type", evt.Type, "tenant_id", evt.TenantID, "error", err)
			if err := r.Outbox.MarkEventPublished(ctx, evt.ID, r.now().UTC().Format(time.RFC3339)); err != nil {
				return sent, fmt.Errorf("mark event %d: %w", evt.ID, err)
			}
			continue
		}
		if err := r.Sender.Publish(ctx, r.Exchange, evt.Type, msg); err != nil {
			relayed.WithLabelValues("error").Inc()
			return sent, err
		}
		if err := r.Outbox.MarkEventPublished(ctx, evt.ID, r.now().UTC().Format(time.RFC3339)); err != nil {
			return sent, fmt.Errorf("mark event %d: %w", evt.ID, err)
		}
		relayed.WithLabelValues("ok").Inc()
		sent++
	}
	return sent, nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// another pass; otherwise the relay waits Interval.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	log := r.logger()
	log.Info("relay started", "exchange", r.Exchange, "interval", interval)
	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("relay pass failed", "error", err, "published", n)
		} else if n > 0 {
			log.Debug("relay pass", "published", n)
		}
		batch := r.BatchSize
		if batch <= 0 {
			batch = 100
		}
		if err == nil && n == batch {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("relay stopped")
			return nil
		case <-time.After(interval):
		}
	}
}
