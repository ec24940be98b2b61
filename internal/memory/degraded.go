package memory

import (
	"context"

	"github.com/google/uuid"
)

// DegradedStore implements Store for the MemoryStoreUnavailable condition
// the backing store is unreachable, so
// writes become no-ops and reads return nothing, but the orchestrator must
// still be able to mint conversation ids and keep serving requests.
type DegradedStore struct{}

// NewDegradedStore returns a Store that silently drops all memory
// operations.
func NewDegradedStore() *DegradedStore {
	return &DegradedStore{}
}

func (d *DegradedStore) ResolveConversationId(ctx context.Context, explicit ConversationID) (ConversationID, error) {
	if explicit != "" {
		return explicit, nil
	}
	return ConversationID(uuid.New().String()), nil
}

func (d *DegradedStore) ForceNewConversation(ctx context.Context) (ConversationID, error) {
	return ConversationID(uuid.New().String()), nil
}

func (d *DegradedStore) Append(ctx context.Context, id ConversationID, role Role, content string) error {
	return nil
}

func (d *DegradedStore) RenderContext(ctx context.Context, id ConversationID) ([]Message, error) {
	return nil, nil
}

func (d *DegradedStore) RawMessages(ctx context.Context, id ConversationID) ([]Message, error) {
	return nil, nil
}

func (d *DegradedStore) Summarize(ctx context.Context, id ConversationID, summarizer Summarizer) error {
	return nil
}
