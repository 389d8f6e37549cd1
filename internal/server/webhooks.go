package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookOptions configures the dispatcher. Interval defaults to two seconds.
type WebhookOptions struct {
	Interval time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// hook is one enabled webhook and how far it has been delivered.
type hook struct {
	url    string
	secret string
	filter eventFilter
	client *http.Client
	cursor int64
}

type webhookDispatcher struct {
	src      EventSource
	hooks    []*hook
	primed   bool
	interval time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func newWebhookDispatcher(src EventSource, cfgs []config.WebhookConfig, opts WebhookOptions) *webhookDispatcher {
	d := &webhookDispatcher{
		src:      src,
		interval: opts.Interval,
		log:      opts.Logger.With().Str("component", "webhooks").Logger(),
		metrics:  opts.Metrics,
	}
	if d.interval <= 0 {
		d.interval = defaultWebhookInterval
	}
	for _, c := range cfgs {
		if c.Enabled != nil && !*c.Enabled {
			continue
		}
		url := strings.TrimSpace(c.URL)
		if url == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if c.TimeoutSeconds > 0 {
			timeout = time.Duration(c.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hook{
			url:    url,
			secret: strings.TrimSpace(c.Secret),
			filter: newEventFilter(c.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

// StartWebhookDispatcher posts new audit events to the enabled webhooks until
// ctx is done. Events written before start-up are not replayed. It returns
// false when there is nothing to dispatch.
func StartWebhookDispatcher(ctx context.Context, src EventSource, cfgs []config.WebhookConfig, opts WebhookOptions) bool {
	if src == nil {
		return false
	}
	d := newWebhookDispatcher(src, cfgs, opts)
	if len(d.hooks) == 0 {
		return false
	}
	go d.run(ctx)
	return true
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			d.log.Debug().Msg("webhook dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// tick brings every hook up to the head of the log, paging from its own
// cursor. Hooks sharing a cursor share the read. It is not safe for
// concurrent use.
func (d *webhookDispatcher) tick(ctx context.Context) {
	if !d.primed {
		latest, err := d.src.LatestEventID(ctx, "")
		if err != nil {
			d.log.Warn().Err(err).Msg("read latest event id failed")
			return
		}
		for _, h := range d.hooks {
			h.cursor = latest
		}
		d.primed = true
	}
	pages := map[int64][]domain.Event{}
	for _, h := range d.hooks {
		for ctx.Err() == nil {
			batch, ok := pages[h.cursor]
			if !ok {
				var err error
				batch, err = d.src.EventsAfter(ctx, defaultWebhookBatch, h.cursor, "")
				if err != nil {
					if ctx.Err() == nil {
						d.log.Warn().Err(err).Msg("fetch events failed")
					}
					return
				}
				pages[h.cursor] = batch
			}
			if !d.deliver(ctx, h, batch) || len(batch) < defaultWebhookBatch {
				break
			}
		}
	}
}

// deliver posts the events past h's cursor in order. The first failure ends
// the batch for h and returns false, so the next tick retries from that event.
func (d *webhookDispatcher) deliver(ctx context.Context, h *hook, batch []domain.Event) bool {
	for _, evt := range batch {
		if evt.ID <= h.cursor {
			continue
		}
		if h.filter.match(evt.Type) {
			if err := h.post(ctx, evt); err != nil {
				d.metrics.RecordWebhookDelivery("error")
				d.log.Warn().Err(err).Str("url", h.url).Int64("event_id", evt.ID).Msg("webhook delivery failed")
				return false
			}
			d.metrics.RecordWebhookDelivery("ok")
			d.log.Debug().Str("url", h.url).Int64("event_id", evt.ID).Str("type", evt.Type).Msg("webhook delivered")
		}
		h.cursor = evt.ID
	}
	return true
}

// webhookEvent is the POST body. A payload that is not valid JSON is passed
// through as payload_raw.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OwnerID    string          `json:"owner_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OwnerID:    evt.OwnerID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    json.RawMessage(`{}`),
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Payload = json.RawMessage(evt.Payload)
	default:
		out.PayloadRaw = evt.Payload
	}
	return out
}

func (h *hook) post(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsdeck-Event", evt.Type)
	req.Header.Set("X-Opsdeck-Delivery", strconv.FormatInt(evt.ID, 10))
	if h.secret != "" {
		req.Header.Set("X-Opsdeck-Secret", h.secret)
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
}

// eventFilter matches every type when no types are configured.
type eventFilter map[string]struct{}

func newEventFilter(types []string) eventFilter {
	f := eventFilter{}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[evtType]
	return ok
}
