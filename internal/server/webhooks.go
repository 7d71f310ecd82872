package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"siteflow/internal/config"
	"siteflow/internal/domain"
	"siteflow/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts a tenant's events to the hooks in its config. Each
// hook keeps its own cursor, so a failing hook is retried from its last
// delivered event without holding back the others.
type WebhookDispatcher struct {
	engine   engine.Engine
	tenant   string
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// NewWebhookDispatcher returns nil when the tenant has no enabled hooks.
func NewWebhookDispatcher(ctx context.Context, e engine.Engine, tenantID string, logger *slog.Logger) *WebhookDispatcher {
	if strings.TrimSpace(tenantID) == "" {
		return nil
	}
	cfg := e.TenantConfig(ctx, nil, tenantID)
	var hooks []config.WebhookConfig
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		hooks = append(hooks, hook)
	}
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		engine:   e,
		tenant:   tenantID,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks", "tenant_id", tenantID),
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		if err := d.DispatchAll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("webhook pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every hook concurrently. Hooks share
// the caller's ctx only, so one failing hook never cancels another's delivery.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) error {
	var g errgroup.Group
	for i, hook := range d.webhooks {
		g.Go(func() error {
			return d.dispatchWebhook(ctx, i, hook)
		})
	}
	return g.Wait()
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) error {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		return fmt.Errorf("init cursor: %w", err)
	}
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.tenant)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				return fmt.Errorf("deliver %d to %s: %w", evt.ID, hook.URL, err)
			}
		}
		d.setCursor(idx, evt.ID)
	}
	return nil
}

// cursorFor starts a new hook at the tenant's latest event so only events
// after startup are delivered.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, d.tenant)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Siteflow-Event", evt.Type)
	req.Header.Set("X-Siteflow-Delivery", fmt.Sprintf("%s-%d", evt.TenantID, evt.ID))
	req.Header.Set("X-Siteflow-Tenant", d.tenant)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches event types against exact names or globs like step.*.
type eventFilter struct {
	all      bool
	patterns []string
}

func newEventFilter(events []string) eventFilter {
	var patterns []string
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			patterns = append(patterns, key)
		}
	}
	if len(patterns) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{patterns: patterns}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	for _, p := range f.patterns {
		if ok, err := path.Match(p, evt); err == nil && ok {
			return true
		}
	}
	return false
}
