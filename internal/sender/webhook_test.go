package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

func testMessage() model.Message {
	return model.Message{
		ID:        "b3b2a6e0-7c61-4a41-9a36-5a9f6d5f9a10",
		SessionID: 1,
		Recipient: "user@example.com",
		Channel:   model.Email,
		Content:   "hello",
	}
}

func TestWebhookSender_Success(t *testing.T) {
	t.Parallel()

	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message":   "queued",
			"messageId": "remote-42",
		})
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	out, err := s.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Code != Success {
		t.Fatalf("expected Success, got %v (%s)", out.Code, out.Detail)
	}
	if !out.Attempted {
		t.Fatalf("expected Attempted on success")
	}
	if out.RemoteID != "remote-42" {
		t.Fatalf("unexpected remote id %q", out.RemoteID)
	}
	if got.Recipient != "user@example.com" || got.Channel != "email" || got.MessageID == "" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestWebhookSender_TransientStatuses(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		code := code
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "try later", code)
		}))

		s := NewWebhookSender(srv.URL)
		out, err := s.Send(context.Background(), testMessage())
		srv.Close()
		if err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if out.Code != Transient {
			t.Fatalf("status %d: expected Transient, got %v", code, out.Code)
		}
		if !out.Attempted {
			t.Fatalf("status %d: the gateway answered, expected Attempted", code)
		}
	}
}

func TestWebhookSender_PermanentRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown recipient", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	out, err := s.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Code != Permanent {
		t.Fatalf("expected Permanent, got %v", out.Code)
	}
	if !out.Attempted {
		t.Fatalf("expected Attempted on a gateway rejection")
	}
}

func TestWebhookSender_MalformedSuccessBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	out, err := s.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Code != Permanent {
		t.Fatalf("expected Permanent for undecodable success body, got %v", out.Code)
	}
}

func TestWebhookSender_ConnectionRefused(t *testing.T) {
	t.Parallel()

	// Grab a port nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewWebhookSender(url)
	out, err := s.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Code != Transient {
		t.Fatalf("expected Transient for refused connection, got %v", out.Code)
	}
	if out.Attempted {
		t.Fatalf("the gateway was never reached, expected Attempted=false")
	}
}

func TestWebhookSender_ContextCancelled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewWebhookSender(srv.URL)
	_, err := s.Send(ctx, testMessage())
	if err == nil {
		t.Fatalf("expected context error")
	}
}

func TestMux_RoutesByChannel(t *testing.T) {
	t.Parallel()

	email := stubSender{out: Outcome{Code: Success, Attempted: true}}
	wa := stubSender{out: Outcome{Code: Transient, Detail: "busy", Attempted: true}}

	m := NewMux().Register(model.Email, email).Register(model.WhatsApp, wa)

	msg := testMessage()
	out, err := m.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Code != Success {
		t.Fatalf("expected email route, got %v", out)
	}

	msg.Channel = model.WhatsApp
	out, _ = m.Send(context.Background(), msg)
	if out.Code != Transient || out.Detail != "busy" {
		t.Fatalf("expected whatsapp route, got %+v", out)
	}
}

func TestMux_UnknownChannelIsPermanent(t *testing.T) {
	t.Parallel()

	m := NewMux()
	out, err := m.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.Code != Permanent {
		t.Fatalf("expected Permanent for unrouted channel, got %v", out.Code)
	}
	if out.Attempted {
		t.Fatalf("unrouted sends never reach a gateway")
	}
}

type stubSender struct {
	out Outcome
}

func (s stubSender) Send(ctx context.Context, msg model.Message) (Outcome, error) {
	return s.out, nil
}
