package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

// Summarizer reduces a rendered context to a single summary string.
type Summarizer func(ctx context.Context, rendered string) (string, error)

// Store is the MemoryStore public contract. A Redis- or
// Postgres-backed implementation can satisfy this interface in place of
// the in-memory default without any caller change — see PGStore.
type Store interface {
	ResolveConversationId(ctx context.Context, explicit ConversationID) (ConversationID, error)
	ForceNewConversation(ctx context.Context) (ConversationID, error)
	Append(ctx context.Context, id ConversationID, role Role, content string) error
	RenderContext(ctx context.Context, id ConversationID) ([]Message, error)
	RawMessages(ctx context.Context, id ConversationID) ([]Message, error)
	Summarize(ctx context.Context, id ConversationID, summarizer Summarizer) error
}

// InMemoryStore is a process-local Store backed by a mutex-guarded map,
// generalized from a per-task MemoryMessageStore
// (internal/orchestrator/acp/memory_store.go) to the full Conversation
// entity: raw messages, a replaceable summarized prefix, and a TTL.
type InMemoryStore struct {
	mu                sync.RWMutex
	conversations     map[ConversationID]*Conversation
	lastConversationID ConversationID
	ttl               time.Duration
	log               *logger.Logger

	stopSweep chan struct{}
}

// NewInMemoryStore creates a Store with the given inactivity TTL and starts
// its background expiry sweep, in the same ticker-driven shape as the
// a lifecycle-manager cleanup loop.
func NewInMemoryStore(ttl time.Duration, log *logger.Logger) *InMemoryStore {
	s := &InMemoryStore{
		conversations: make(map[ConversationID]*Conversation),
		ttl:           ttl,
		log:           log.WithFields(zap.String("component", "memory-store")),
		stopSweep:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background expiry sweep.
func (s *InMemoryStore) Close() {
	close(s.stopSweep)
}

func (s *InMemoryStore) sweepLoop() {
	interval := s.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *InMemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, conv := range s.conversations {
		if now.Sub(conv.LastAccessedAt) > s.ttl {
			delete(s.conversations, id)
			s.log.Debug("conversation expired", zap.String("conversation_id", string(id)))
		}
	}
}

func (s *InMemoryStore) touch(conv *Conversation) {
	conv.LastAccessedAt = time.Now()
}

// ResolveConversationId returns explicit (touched) if given, else the
// last-used id (touched), else mints a fresh id and Conversation.
func (s *InMemoryStore) ResolveConversationId(ctx context.Context, explicit ConversationID) (ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if explicit != "" {
		conv, ok := s.conversations[explicit]
		if !ok {
			conv = s.newConversationLocked(explicit)
		}
		s.touch(conv)
		s.lastConversationID = explicit
		return explicit, nil
	}

	if s.lastConversationID != "" {
		if conv, ok := s.conversations[s.lastConversationID]; ok {
			s.touch(conv)
			return s.lastConversationID, nil
		}
	}

	id := s.newID()
	s.newConversationLocked(id)
	s.lastConversationID = id
	return id, nil
}

// ForceNewConversation always mints a fresh id, regardless of any explicit
// or last-used conversation.
func (s *InMemoryStore) ForceNewConversation(ctx context.Context) (ConversationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	s.newConversationLocked(id)
	s.lastConversationID = id
	return id, nil
}

func (s *InMemoryStore) newID() ConversationID {
	return newConversationID()
}

// newConversationID mints a fresh, store-agnostic conversation identifier.
func newConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func (s *InMemoryStore) newConversationLocked(id ConversationID) *Conversation {
	now := time.Now()
	conv := &Conversation{
		ID:             id,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.conversations[id] = conv
	return conv
}

// Append adds one Message, refreshing the conversation's TTL clock. Must
// never be called with Reviewer free-form output — the orchestrator is
// responsible for suppressing those calls entirely.
func (s *InMemoryStore) Append(ctx context.Context, id ConversationID, role Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		conv = s.newConversationLocked(id)
	}
	conv.Messages = append(conv.Messages, Message{Role: role, Content: content, Timestamp: time.Now()})
	s.touch(conv)
	return nil
}

// RenderContext returns the summarized prefix if present, else the raw
// messages.
func (s *InMemoryStore) RenderContext(ctx context.Context, id ConversationID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	if len(conv.SummarizedPrefix) > 0 {
		out := make([]Message, len(conv.SummarizedPrefix))
		copy(out, conv.SummarizedPrefix)
		return out, nil
	}
	out := make([]Message, len(conv.Messages))
	copy(out, conv.Messages)
	return out, nil
}

// RawMessages returns the raw messages only, for use as summarization input.
func (s *InMemoryStore) RawMessages(ctx context.Context, id ConversationID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := make([]Message, len(conv.Messages))
	copy(out, conv.Messages)
	return out, nil
}

// Summarize invokes summarizer on the current renderable messages and
// replaces the summarized prefix with [summaryMessage, ...last 3 raw
// messages].
func (s *InMemoryStore) Summarize(ctx context.Context, id ConversationID, summarizer Summarizer) error {
	rendered, err := s.RenderContext(ctx, id)
	if err != nil {
		return err
	}
	text := RenderToText(rendered, "")
	summary, err := summarizer(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: summarization failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}

	tail := conv.Messages
	if len(tail) > tailCount {
		tail = tail[len(tail)-tailCount:]
	}

	prefix := make([]Message, 0, len(tail)+1)
	prefix = append(prefix, Message{Role: RoleAssistant, Content: summaryTag + summary, Timestamp: time.Now()})
	prefix = append(prefix, tail...)
	conv.SummarizedPrefix = prefix
	s.touch(conv)
	return nil
}

// RenderToText renders an ordered sequence of Messages into the worker
// prompt's textual context form: message-per-line with a role prefix,
// messages separated by a blank line, followed by the current-request
// delimiter.
func RenderToText(messages []Message, currentRequest string) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	if currentRequest != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[Current Request]: ")
		b.WriteString(currentRequest)
	}
	return b.String()
}
