package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/dispatcher"
	"github.com/agentrunner/agentrunner/internal/memory"
	"github.com/agentrunner/agentrunner/internal/orchestrator"
	"github.com/agentrunner/agentrunner/internal/runner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeExecutor struct {
	result orchestrator.Result
	err    error
	calls  int
}

func (f *fakeExecutor) ExecuteOnce(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeExecutor) IterateToCompletion(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeExecutor) ActiveJobCount() int { return f.calls }

type fakeMinter struct {
	id memory.ConversationID
}

func (f *fakeMinter) ForceNewConversation(ctx context.Context) (memory.ConversationID, error) {
	return f.id, nil
}

type fakeQueueReporter struct {
	status runner.QueueStatus
}

func (f *fakeQueueReporter) QueueStatus() runner.QueueStatus { return f.status }

func testHandler(exec *fakeExecutor) (*Handler, *httptest.Server) {
	h := NewHandler(exec, dispatcher.New("", logger.Default()), &fakeMinter{id: "conv-1"}, &fakeQueueReporter{status: runner.QueueStatus{Capacity: 2}}, logger.Default())
	router := NewRouter(h, nil, logger.Default(), 0)
	return h, httptest.NewServer(router)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	return resp
}

func TestExecuteReturns200OnSuccess(t *testing.T) {
	_, server := testHandler(&fakeExecutor{result: orchestrator.Result{Success: true, ConversationID: "conv-1"}})
	defer server.Close()

	resp := postJSON(t, server.URL+"/execute", ExecuteRequest{Prompt: "do the thing"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestExecuteReturns422OnIterationFailure(t *testing.T) {
	_, server := testHandler(&fakeExecutor{result: orchestrator.Result{Success: false}})
	defer server.Close()

	resp := postJSON(t, server.URL+"/execute", ExecuteRequest{Prompt: "do the thing"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestExecuteAsyncRequiresCallbackURL(t *testing.T) {
	_, server := testHandler(&fakeExecutor{})
	defer server.Close()

	resp := postJSON(t, server.URL+"/execute/async", ExecuteRequest{Prompt: "do the thing"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without a callbackUrl, got %d", resp.StatusCode)
	}
}

func TestExecuteAsyncAcceptsAndDispatches(t *testing.T) {
	delivered := make(chan struct{}, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	_, server := testHandler(&fakeExecutor{result: orchestrator.Result{Success: true}})
	defer server.Close()

	resp := postJSON(t, server.URL+"/execute/async", ExecuteRequest{Prompt: "do the thing", CallbackURL: callback.URL})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected webhook delivery after async accept")
	}
}

func TestNewConversationReturnsMintedID(t *testing.T) {
	_, server := testHandler(&fakeExecutor{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/conversation/new", "application/json", nil)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["conversationId"] != "conv-1" {
		t.Errorf("expected minted conversationId, got %q", body["conversationId"])
	}
}

func TestHealthReportsQueueStatus(t *testing.T) {
	_, server := testHandler(&fakeExecutor{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Queue runner.QueueStatus `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Queue.Capacity != 2 {
		t.Errorf("expected queue capacity 2 in the health body, got %d", body.Queue.Capacity)
	}
}
