package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"smallbiznis-billing/pkg/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Message is what the mail collaborator renders and sends.
type Message struct {
	Template string         `json:"template"`
	To       string         `json:"to"`
	From     string         `json:"from,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type httpMailer struct {
	client  *http.Client
	baseURL string
	apiKey  string
	from    string
}

// NewMailer returns a client for the mail collaborator. Without a base URL
// messages are only logged by the worker.
func NewMailer(cfg *config.Config) Mailer {
	if cfg.Mailer.BaseURL == "" {
		return nil
	}
	return &httpMailer{
		client: &http.Client{
			Timeout:   cfg.Mailer.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimRight(cfg.Mailer.BaseURL, "/"),
		apiKey:  cfg.Mailer.APIKey,
		from:    cfg.Mailer.From,
	}
}

func (m *httpMailer) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = m.from
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SendError{Status: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}

// SendError is a non-2xx answer from the mail collaborator.
type SendError struct {
	Status int
	Body   string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mailer responded %d: %s", e.Status, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *SendError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}
