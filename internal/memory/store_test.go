package memory

import (
	"context"
	"testing"
	"time"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

func testStore() *InMemoryStore {
	return NewInMemoryStore(time.Hour, logger.Default())
}

func TestResolveConversationIdMintsFresh(t *testing.T) {
	s := testStore()
	defer s.Close()

	id, err := s.ResolveConversationId(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolveConversationId failed: %v", err)
	}
	if id == "" {
		t.Errorf("expected a minted id")
	}
}

func TestResolveConversationIdExplicitTouchesExisting(t *testing.T) {
	s := testStore()
	defer s.Close()

	first, err := s.ForceNewConversation(context.Background())
	if err != nil {
		t.Fatalf("ForceNewConversation failed: %v", err)
	}

	resolved, err := s.ResolveConversationId(context.Background(), first)
	if err != nil {
		t.Fatalf("ResolveConversationId failed: %v", err)
	}
	if resolved != first {
		t.Errorf("expected %q, got %q", first, resolved)
	}
}

func TestResolveConversationIdFallsBackToLastUsed(t *testing.T) {
	s := testStore()
	defer s.Close()

	first, _ := s.ResolveConversationId(context.Background(), "")
	second, err := s.ResolveConversationId(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolveConversationId failed: %v", err)
	}
	if second != first {
		t.Errorf("expected last-used id %q, got %q", first, second)
	}
}

func TestForceNewConversationAlwaysMints(t *testing.T) {
	s := testStore()
	defer s.Close()

	first, _ := s.ForceNewConversation(context.Background())
	second, err := s.ForceNewConversation(context.Background())
	if err != nil {
		t.Fatalf("ForceNewConversation failed: %v", err)
	}
	if first == second {
		t.Errorf("expected distinct ids, got %q twice", first)
	}

	// A subsequent empty resolve must follow the newest pointer, not the first.
	resolved, _ := s.ResolveConversationId(context.Background(), "")
	if resolved != second {
		t.Errorf("expected last-used id to track the most recent ForceNewConversation")
	}
}

func TestAppendAndRawMessages(t *testing.T) {
	s := testStore()
	defer s.Close()

	id, _ := s.ForceNewConversation(context.Background())
	if err := s.Append(context.Background(), id, RoleUser, "implement the thing"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(context.Background(), id, RoleAssistant, "done"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	msgs, err := s.RawMessages(context.Background(), id)
	if err != nil {
		t.Fatalf("RawMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("unexpected message roles: %+v", msgs)
	}
}

func TestRenderContextPrefersSummarizedPrefix(t *testing.T) {
	s := testStore()
	defer s.Close()

	id, _ := s.ForceNewConversation(context.Background())
	_ = s.Append(context.Background(), id, RoleUser, "one")
	_ = s.Append(context.Background(), id, RoleAssistant, "two")

	rendered, err := s.RenderContext(context.Background(), id)
	if err != nil {
		t.Fatalf("RenderContext failed: %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("expected raw messages before any summarization, got %d", len(rendered))
	}

	err = s.Summarize(context.Background(), id, func(ctx context.Context, rendered string) (string, error) {
		return "short recap", nil
	})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	rendered, err = s.RenderContext(context.Background(), id)
	if err != nil {
		t.Fatalf("RenderContext failed: %v", err)
	}
	// Summary marker plus both raw messages (fewer than tailCount exist).
	if len(rendered) != 3 || rendered[0].Content != summaryTag+"short recap" {
		t.Errorf("expected summarized prefix to win, got %+v", rendered)
	}
}

func TestSummarizeReplacesPrefixKeepingTail(t *testing.T) {
	s := testStore()
	defer s.Close()

	id, _ := s.ForceNewConversation(context.Background())
	for i := 0; i < 5; i++ {
		_ = s.Append(context.Background(), id, RoleUser, "message")
	}

	err := s.Summarize(context.Background(), id, func(ctx context.Context, rendered string) (string, error) {
		return "recap", nil
	})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	rendered, _ := s.RenderContext(context.Background(), id)
	if len(rendered) != tailCount+1 {
		t.Fatalf("expected summary plus %d tail messages, got %d", tailCount, len(rendered))
	}

	raw, _ := s.RawMessages(context.Background(), id)
	if len(raw) != 5 {
		t.Errorf("expected raw messages to remain untouched by summarization, got %d", len(raw))
	}
}

func TestRenderToTextIncludesCurrentRequest(t *testing.T) {
	text := RenderToText([]Message{{Role: RoleUser, Content: "hi"}}, "do the thing")
	want := "user: hi\n\n[Current Request]: do the thing"
	if text != want {
		t.Errorf("got %q, want %q", text, want)
	}
}

func TestDegradedStoreNeverErrors(t *testing.T) {
	d := NewDegradedStore()
	ctx := context.Background()

	id, err := d.ResolveConversationId(ctx, "")
	if err != nil || id == "" {
		t.Errorf("expected a minted id with no error, got %q, %v", id, err)
	}

	explicit, err := d.ResolveConversationId(ctx, "explicit-id")
	if err != nil || explicit != "explicit-id" {
		t.Errorf("expected explicit id to pass through, got %q, %v", explicit, err)
	}

	if err := d.Append(ctx, id, RoleUser, "anything"); err != nil {
		t.Errorf("expected Append to no-op, got %v", err)
	}

	msgs, err := d.RawMessages(ctx, id)
	if err != nil || msgs != nil {
		t.Errorf("expected nil/nil from RawMessages, got %v, %v", msgs, err)
	}

	err = d.Summarize(ctx, id, func(ctx context.Context, rendered string) (string, error) {
		t.Fatalf("summarizer should never be invoked against a degraded store")
		return "", nil
	})
	if err != nil {
		t.Errorf("expected Summarize to no-op, got %v", err)
	}
}
