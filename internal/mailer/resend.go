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

const resendEndpoint = "https://api.resend.com/emails"

// Resend is the transactional mail client used only by bulk immediate
// sends; scheduled delivery always goes through the gateway.
type Resend struct {
	apiKey   string
	endpoint string
	client   httpretry.Doer
}

// NewResend creates a Resend client. A nil client is returned when no API
// key is configured so callers can treat immediate mode as unavailable.
func NewResend(apiKey string) *Resend {
	if apiKey == "" {
		return nil
	}
	return &Resend{
		apiKey:   apiKey,
		endpoint: resendEndpoint,
		client:   httpretry.New(nil, 2),
	}
}

// SetEndpoint overrides the API endpoint, for tests.
func (r *Resend) SetEndpoint(url string) {
	r.endpoint = url
}

// Send issues one transactional email and returns the provider message id.
func (r *Resend) Send(ctx context.Context, msg Message) (string, error) {
	payload := map[string]any{
		"from":    msg.From,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode resend payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("resend status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &out)
	return out.ID, nil
}
