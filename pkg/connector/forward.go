// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/session-relay/pkg/connector/wafmt"
)

// DefaultWebhookTimeout bounds a single webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// Forwarder delivers an envelope downstream.
type Forwarder interface {
	Forward(ctx context.Context, env *Envelope) error
}

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// WebhookForwarder POSTs envelopes as JSON.
type WebhookForwarder struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewWebhookForwarder creates a forwarder with its own HTTP client.
func NewWebhookForwarder(url string, timeout time.Duration) *WebhookForwarder {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookForwarder{
		URL:     url,
		Timeout: timeout,
		Client:  exhttp.SensibleClientSettings.WithGlobalTimeout(timeout).Compile(),
	}
}

func (w *WebhookForwarder) Forward(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}

// MattermostMirror posts a readable copy of every envelope to a channel.
type MattermostMirror struct {
	Client    *model.Client4
	ChannelID string
}

func (m *MattermostMirror) Forward(ctx context.Context, env *Envelope) error {
	post := &model.Post{
		ChannelId: m.ChannelID,
		Message:   FormatMirrorMessage(env),
		Props: model.StringInterface{
			"relay_message_id": env.MessageID,
			"relay_from":       env.From,
		},
	}
	if _, _, err := m.Client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("create mirror post: %w", err)
	}
	return nil
}

// FormatMirrorMessage renders an envelope as Mattermost markdown.
func FormatMirrorMessage(env *Envelope) string {
	var b strings.Builder
	name := env.FromDisplayName
	if name == "" {
		name = AddressUser(env.From)
	}
	fmt.Fprintf(&b, "**%s** (%s)", name, AddressUser(env.From))
	if env.IsGroup {
		fmt.Fprintf(&b, " in %s", AddressUser(env.Chat))
	}
	if env.Text != "" {
		b.WriteString("\n")
		b.WriteString(wafmt.ToMarkdown(env.Text))
	}
	if env.MediaKind != MediaNone && env.MediaKind != "" {
		switch {
		case env.MediaURL != "":
			fmt.Fprintf(&b, "\n[%s](%s)", env.MediaKind, env.MediaURL)
		default:
			fmt.Fprintf(&b, "\n_%s attachment_", env.MediaKind)
		}
	}
	return b.String()
}
