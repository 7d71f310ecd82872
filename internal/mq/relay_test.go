package mq_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/domain"
	"siteflow/internal/engine"
	"siteflow/internal/migrate"
	"siteflow/internal/mq"
	"siteflow/internal/repo"
	"siteflow/internal/telemetry"
)

type sent struct {
	exchange string
	key      string
	msg      *mq.Message
}

type fakeSender struct {
	sent   []sent
	failAt int
}

func (f *fakeSender) Publish(_ context.Context, exchange, key string, msg *mq.Message) error {
	if f.failAt > 0 && len(f.sent)+1 == f.failAt {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, sent{exchange, key, msg})
	return nil
}

func newOutbox(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng := engine.New(conn, config.Default("acme"))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	_, err = eng.InitTenant(ctx, "acme", "Acme", "owner")
	require.NoError(t, err)
	_, err = eng.CreateTemplate(ctx, "acme", "pour", "Pour", "owner")
	require.NoError(t, err)
	_, err = eng.InitTenant(ctx, "beta", "Beta", "owner")
	require.NoError(t, err)
	return eng.Repo, ctx
}

func TestRelayPublishesAndStamps(t *testing.T) {
	outbox, ctx := newOutbox(t)
	sender := &fakeSender{}
	r := mq.Relay{Outbox: outbox, Sender: sender, Exchange: "siteflow.events", BatchSize: 10}

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, sender.sent, 3)
	assert.Equal(t, "tenant.init", sender.sent[0].key)
	assert.Equal(t, "template.created", sender.sent[1].key)
	assert.Equal(t, "beta", sender.sent[2].msg.TenantID)
	assert.Equal(t, "siteflow.events", sender.sent[0].exchange)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(sender.sent[1].msg.Payload, &payload))
	assert.Equal(t, "pour", payload["code"])

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "published events are not relayed twice")
}

func TestRelayStopsAtFailure(t *testing.T) {
	outbox, ctx := newOutbox(t)
	sender := &fakeSender{failAt: 2}
	r := mq.Relay{Outbox: outbox, Sender: sender, Exchange: "siteflow.events"}

	n, err := r.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	sender.failAt = 0
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "template.created", sender.sent[1].key, "failed event is retried first")
}

func TestRelaySkipsUnreadableEvent(t *testing.T) {
	outbox, ctx := newOutbox(t)
	_, err := outbox.DB.ExecContext(ctx, "UPDATE events SET ts = 'yesterday' WHERE id = 1")
	require.NoError(t, err)
	sender := &fakeSender{}
	r := mq.Relay{Outbox: outbox, Sender: sender, Exchange: "siteflow.events", Logger: telemetry.Discard()}

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "template.created", sender.sent[0].key)

	pending, err := outbox.UnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "bad event is stamped so it is not retried")
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	outbox, ctx := newOutbox(t)
	ctx, cancel := context.WithCancel(ctx)
	sender := &fakeSender{}
	r := mq.Relay{Outbox: outbox, Sender: sender, Exchange: "x", Interval: 10 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool {
		evts, err := outbox.UnpublishedEvents(context.Background(), 10)
		return err == nil && len(evts) == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestMessageFromEventRejectsBadTimestamp(t *testing.T) {
	_, err := mq.MessageFromEvent(repoEvent("yesterday"))
	require.Error(t, err)
	msg, err := mq.MessageFromEvent(repoEvent("2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, "acme-7", msg.ID)
	assert.JSONEq(t, `{}`, string(msg.Payload))
}

func repoEvent(ts string) domain.Event {
	return domain.Event{ID: 7, TS: ts, Type: "step.ready", TenantID: "acme", EntityKind: "step", Payload: "not json"}
}
