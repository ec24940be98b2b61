package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

// PGStore is a Postgres-backed Store, generalized from an
// task/repository in-memory/sqlite dual-implementation split (the same
// interface, a different backing technology — pgx is already in the
// dependency stack). It persists the same record layout
// one row per
// conversation keyed by id, plus a singleton last-conversation-id row.
type PGStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	log  *logger.Logger
}

// NewPGStore connects to Postgres and ensures the conversations table
// exists.
func NewPGStore(ctx context.Context, dsn string, ttl time.Duration, log *logger.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: connecting to postgres: %w", err)
	}

	s := &PGStore{pool: pool, ttl: ttl, log: log.WithFields(zap.String("component", "memory-pgstore"))}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			messages JSONB NOT NULL DEFAULT '[]',
			summarized_prefix JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS conversation_pointer (
			singleton BOOLEAN PRIMARY KEY DEFAULT TRUE,
			conversation_id TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("memory: migrating schema: %w", err)
	}
	return nil
}

func (s *PGStore) ResolveConversationId(ctx context.Context, explicit ConversationID) (ConversationID, error) {
	if explicit != "" {
		if err := s.touchOrCreate(ctx, explicit); err != nil {
			return "", err
		}
		if err := s.setPointer(ctx, explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	id, err := s.getPointer(ctx)
	if err == nil && id != "" {
		if err := s.touchOrCreate(ctx, id); err == nil {
			return id, nil
		}
	}

	return s.ForceNewConversation(ctx)
}

func (s *PGStore) ForceNewConversation(ctx context.Context) (ConversationID, error) {
	id := newConversationID()
	if err := s.touchOrCreate(ctx, id); err != nil {
		return "", err
	}
	if err := s.setPointer(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PGStore) touchOrCreate(ctx context.Context, id ConversationID) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, messages, summarized_prefix, created_at, last_accessed_at)
		VALUES ($1, '[]', '[]', $2, $2)
		ON CONFLICT (id) DO UPDATE SET last_accessed_at = $2
	`, string(id), now)
	return err
}

func (s *PGStore) setPointer(ctx context.Context, id ConversationID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_pointer (singleton, conversation_id) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET conversation_id = $1
	`, string(id))
	return err
}

func (s *PGStore) getPointer(ctx context.Context) (ConversationID, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT conversation_id FROM conversation_pointer WHERE singleton = TRUE`).Scan(&id)
	if err != nil {
		return "", err
	}
	return ConversationID(id), nil
}

func (s *PGStore) Append(ctx context.Context, id ConversationID, role Role, content string) error {
	msgs, err := s.RawMessages(ctx, id)
	if err != nil {
		return err
	}
	msgs = append(msgs, Message{Role: role, Content: content, Timestamp: time.Now()})
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("memory: marshaling messages: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET messages = $2, last_accessed_at = $3 WHERE id = $1
	`, string(id), raw, time.Now())
	return err
}

func (s *PGStore) RenderContext(ctx context.Context, id ConversationID) ([]Message, error) {
	var prefixRaw []byte
	err := s.pool.QueryRow(ctx, `SELECT summarized_prefix FROM conversations WHERE id = $1`, string(id)).Scan(&prefixRaw)
	if err != nil {
		return nil, nil
	}
	var prefix []Message
	if err := json.Unmarshal(prefixRaw, &prefix); err == nil && len(prefix) > 0 {
		return prefix, nil
	}
	return s.RawMessages(ctx, id)
}

func (s *PGStore) RawMessages(ctx context.Context, id ConversationID) ([]Message, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT messages FROM conversations WHERE id = $1`, string(id)).Scan(&raw)
	if err != nil {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("memory: unmarshaling messages: %w", err)
	}
	return msgs, nil
}

func (s *PGStore) Summarize(ctx context.Context, id ConversationID, summarizer Summarizer) error {
	rendered, err := s.RenderContext(ctx, id)
	if err != nil {
		return err
	}
	text := RenderToText(rendered, "")
	summary, err := summarizer(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: summarization failed: %w", err)
	}

	raw, err := s.RawMessages(ctx, id)
	if err != nil {
		return err
	}
	tail := raw
	if len(tail) > tailCount {
		tail = tail[len(tail)-tailCount:]
	}
	prefix := append([]Message{{Role: RoleAssistant, Content: summaryTag + summary, Timestamp: time.Now()}}, tail...)

	prefixRaw, err := json.Marshal(prefix)
	if err != nil {
		return fmt.Errorf("memory: marshaling summary prefix: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE conversations SET summarized_prefix = $2 WHERE id = $1`, string(id), prefixRaw)
	return err
}
