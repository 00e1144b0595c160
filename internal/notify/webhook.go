package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"thesisline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs each notification to every configured
// webhook. Hooks may filter by notification type; a hook with no
// events listed receives everything.
type WebhookPublisher struct {
	Hooks  []config.WebhookConfig
	Log    zerolog.Logger
	Client *http.Client

	seq atomic.Int64
}

// NewWebhookPublisher returns a publisher for the configured hooks, or
// nil when none are configured.
func NewWebhookPublisher(hooks []config.WebhookConfig, log zerolog.Logger) *WebhookPublisher {
	if len(hooks) == 0 {
		return nil
	}
	return &WebhookPublisher{
		Hooks:  hooks,
		Log:    log,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

type webhookBody struct {
	Delivery   int64          `json:"delivery"`
	Type       string         `json:"type"`
	Recipients []string       `json:"recipients"`
	Context    map[string]any `json:"context,omitempty"`
	TS         string         `json:"ts"`
}

func (p *WebhookPublisher) Publish(ctx context.Context, msg Message) error {
	body := webhookBody{
		Delivery:   p.seq.Add(1),
		Type:       msg.Type,
		Recipients: msg.Recipients,
		Context:    msg.Context,
		TS:         time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var firstErr error
	for _, hook := range p.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(msg.Type) {
			continue
		}
		if err := p.post(ctx, hook, body.Delivery, msg.Type, data); err != nil {
			p.Log.Error().Err(err).Str("url", hook.URL).Str("type", msg.Type).Msg("webhook delivery failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *WebhookPublisher) post(ctx context.Context, hook config.WebhookConfig, delivery int64, evtType string, data []byte) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Thesisline-Event", evtType)
	req.Header.Set("X-Thesisline-Delivery", fmt.Sprintf("%d", delivery))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Thesisline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
