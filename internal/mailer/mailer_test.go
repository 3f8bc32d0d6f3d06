package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewaySend(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Errorf("path = %s, want /send", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messageId":"msg-1"}`))
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "tok-123")
	id, err := g.Send(context.Background(), Message{To: "ada@example.com", Subject: "hi", HTML: "<p>hi</p>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("messageId = %q, want msg-1", id)
	}
	if auth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.To != "ada@example.com" || got.Subject != "hi" {
		t.Errorf("posted message = %+v", got)
	}
}

func TestGatewaySend_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay rejected", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "")
	g.SetClient(http.DefaultClient) // no retry so the test stays fast
	if _, err := g.Send(context.Background(), Message{To: "x@example.com"}); err == nil {
		t.Errorf("expected error on 502")
	}
}

func TestGatewaySend_Unconfigured(t *testing.T) {
	g := NewGateway("", "")
	if _, err := g.Send(context.Background(), Message{To: "x@example.com"}); err == nil {
		t.Errorf("expected error without a gateway URL")
	}
}

func TestResendSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer rk-1" {
			t.Errorf("Authorization = %q", got)
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if to, ok := payload["to"].([]any); !ok || len(to) != 1 {
			t.Errorf("to = %v", payload["to"])
		}
		w.Write([]byte(`{"id":"re-9"}`))
	}))
	defer srv.Close()

	r := NewResend("rk-1")
	r.SetEndpoint(srv.URL)
	id, err := r.Send(context.Background(), Message{To: "ada@example.com", Subject: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "re-9" {
		t.Errorf("id = %q, want re-9", id)
	}
}

func TestNewResend_EmptyKey(t *testing.T) {
	if NewResend("") != nil {
		t.Errorf("empty API key should yield a nil client")
	}
}

func TestFormatFrom(t *testing.T) {
	tests := []struct {
		name, email, want string
	}{
		{"FlowMail", "hello@flowmail.app", `"FlowMail" <hello@flowmail.app>`},
		{"", "hello@flowmail.app", "hello@flowmail.app"},
		{"FlowMail", "", ""},
	}
	for _, tt := range tests {
		if got := FormatFrom(tt.name, tt.email); got != tt.want {
			t.Errorf("FormatFrom(%q, %q) = %q, want %q", tt.name, tt.email, got, tt.want)
		}
	}
}
