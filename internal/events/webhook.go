package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs events as JSON to a configured URL. When a secret is set the body is
// signed with HMAC-SHA256 in X-Stageline-Signature.
type WebhookSink struct {
	id     string
	url    string
	secret string
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.Timeout > 0 {
		timeout = time.Duration(hook.Timeout) * time.Millisecond
	}
	id := hook.ID
	if id == "" {
		id = hook.URL
	}
	return &WebhookSink{
		id:     id,
		url:    hook.URL,
		secret: strings.TrimSpace(hook.Secret),
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

// WebhookSinks builds sinks for every enabled webhook.
func WebhookSinks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return sinks
}

func (w *WebhookSink) Name() string { return "webhook:" + w.id }

func (w *WebhookSink) Accepts(evtType string) bool { return w.filter.match(evtType) }

// Envelope is the wire form shared by every sink.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(evt domain.Event) Envelope {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

func (w *WebhookSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", evt.Type)
	req.Header.Set("X-Stageline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.TenantID != "" {
		req.Header.Set("X-Stageline-Tenant", evt.TenantID)
	}
	if w.secret != "" {
		req.Header.Set("X-Stageline-Signature", "sha256="+Sign(w.secret, data))
	}
	res, err := w.client.Do(req)
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

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
