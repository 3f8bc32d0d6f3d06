// Package mailer holds the outbound delivery clients: the HTTP SMTP
// gateway used by the delivery worker and the Resend transactional API
// used by bulk immediate sends.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowmail/flowmail/internal/pkg/httpretry"
)

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	From    string `json:"from,omitempty"`
}

// Gateway posts messages to the HTTP SMTP gateway.
type Gateway struct {
	baseURL string
	token   string
	client  httpretry.Doer
}

// NewGateway creates a gateway client. Transient gateway errors (429/5xx)
// are retried with backoff before a send is considered failed.
func NewGateway(baseURL, token string) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpretry.New(nil, 2),
	}
}

// SetClient overrides the HTTP client, for tests.
func (g *Gateway) SetClient(c httpretry.Doer) {
	g.client = c
}

// Send posts one message. The returned id is the gateway's messageId.
func (g *Gateway) Send(ctx context.Context, msg Message) (string, error) {
	if g.baseURL == "" {
		return "", fmt.Errorf("mail gateway url not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mail gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("mail gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	json.Unmarshal(raw, &out)
	return out.MessageID, nil
}

// FormatFrom renders the From header as `"Name" <addr>` when both parts are
// present.
func FormatFrom(name, email string) string {
	if email == "" {
		return ""
	}
	if name == "" {
		return email
	}
	return fmt.Sprintf("%q <%s>", name, email)
}
