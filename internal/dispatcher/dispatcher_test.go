package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/agentrunner/agentrunner/internal/common/errors"
	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/orchestrator"
)

func TestStatusForSuccess(t *testing.T) {
	if got := StatusFor(orchestrator.Result{Success: true}, nil); got != http.StatusOK {
		t.Errorf("expected 200, got %d", got)
	}
}

func TestStatusForIterationFailure(t *testing.T) {
	if got := StatusFor(orchestrator.Result{Success: false}, nil); got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}
}

func TestStatusForValidationError(t *testing.T) {
	if got := StatusFor(orchestrator.Result{}, apperrors.BadRequest("missing prompt")); got != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestDispatchWebhookDeliversSignedPost(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		body = buf
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := New("shared-secret", logger.Default())
	d.DispatchWebhook(context.Background(), server.URL+"/callback", orchestrator.Result{Success: true, ConversationID: "abc"})

	select {
	case r := <-received:
		if r.Header.Get(secretHeaderPrimary) != "shared-secret" {
			t.Errorf("expected primary secret header to be set")
		}
		if r.Header.Get(secretHeaderAlternate) != "shared-secret" {
			t.Errorf("expected alternate secret header to be set")
		}
		var result orchestrator.Result
		if err := json.Unmarshal(body, &result); err != nil {
			t.Fatalf("expected valid JSON body: %v", err)
		}
		if result.ConversationID != "abc" {
			t.Errorf("expected conversationId to round-trip, got %q", result.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook was never delivered")
	}
}

func TestDispatchWebhookSwallowsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := New("", logger.Default())
	// Must not panic or block despite the non-2xx response.
	d.DispatchWebhook(context.Background(), server.URL, orchestrator.Result{Success: true})
}

func TestExtractSecretPrefersURLQueryParam(t *testing.T) {
	secret, loggable, err := extractSecret("https://example.com/hook?secret=from-url&x=1", "configured-secret")
	if err != nil {
		t.Fatalf("extractSecret failed: %v", err)
	}
	if secret != "from-url" {
		t.Errorf("expected url secret to win, got %q", secret)
	}
	if contains(loggable, "from-url") {
		t.Errorf("expected secret to be stripped from the loggable url, got %q", loggable)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
