package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudflair/warden/internal/storage"
)

// webhookTimeout bounds outbound executor calls; a timed-out call is a
// handler failure and counts against the task's attempt budget.
const webhookTimeout = 15 * time.Second

// Noop acknowledges the payload without side effects. Used for the generic
// change action and the noop task type.
func Noop(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"ok": true})
}

// FlagPayload is the expected shape of a flag_change payload.
type FlagPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// FlagApplier mutates the feature-flag table. The actor recorded on the flag
// row is set per-execution by the ledger.
type FlagApplier struct {
	DB *storage.DB
}

// Apply writes the flag mutation described by payload on behalf of actor.
func (f *FlagApplier) Apply(ctx context.Context, actor string, payload json.RawMessage) (json.RawMessage, error) {
	var p FlagPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("flag payload: %w", err)
	}
	if p.Key == "" {
		return nil, fmt.Errorf("flag payload: key required")
	}
	value := p.Value
	if len(value) == 0 {
		value = json.RawMessage(`null`)
	}
	flag := &storage.Flag{
		Key:       p.Key,
		Value:     string(value),
		UpdatedBy: actor,
		UpdatedAt: time.Now().Unix(),
	}
	if err := f.DB.SetFlag(flag); err != nil {
		return nil, fmt.Errorf("apply flag: %w", err)
	}
	return json.Marshal(map[string]string{"key": p.Key, "applied_by": actor})
}

// Webhook posts JSON payloads to an external collaborator (content service,
// email provider, newsletter platform). Non-2xx responses and transport
// errors are handler failures.
type Webhook struct {
	URL    string
	Client *http.Client
}

// NewWebhook returns a webhook adapter with a bounded client timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: webhookTimeout},
	}
}

// Handler returns a HandlerFunc that posts the task payload to the webhook.
func (w *Webhook) Handler() HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return w.Post(ctx, payload)
	}
}

// Post sends the payload and returns the response body on success.
func (w *Webhook) Post(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if w.URL == "" {
		return nil, fmt.Errorf("webhook: no endpoint configured")
	}
	body := payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, respBody)
	}
	if len(respBody) == 0 || !json.Valid(respBody) {
		return json.Marshal(map[string]int{"status": resp.StatusCode})
	}
	return respBody, nil
}

// SnapshotHandler counts ledger and queue rows into a summary result. It is
// the one task type with a purely in-repo side effect, used by reporting
// callers downstream.
func SnapshotHandler(db *storage.DB) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		changes, err := db.CountChangesByStatus()
		if err != nil {
			return nil, fmt.Errorf("snapshot changes: %w", err)
		}
		tasks, err := db.CountTasksByStatus()
		if err != nil {
			return nil, fmt.Errorf("snapshot tasks: %w", err)
		}
		return json.Marshal(map[string]any{
			"changes":      changes,
			"tasks":        tasks,
			"generated_at": time.Now().Unix(),
		})
	}
}
