// Package memory implements MemoryStore: an externally-maintained,
// TTL-bounded, per-conversation log of role-tagged messages that
// reconstitutes context for a new worker invocation in place of any
// vendor-specific session handle.
package memory

import "time"

// ConversationID is an opaque identifier, unique across the store, minted
// by the server and never supplied by an external caller.
type ConversationID string

// Role is the author of a Message's content.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one append-only entry in a Conversation.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Conversation is an ordered sequence of Messages plus an optional
// summarized prefix that, when present, logically replaces all but the
// last three raw messages when context is rendered.
type Conversation struct {
	ID               ConversationID
	Messages         []Message
	SummarizedPrefix []Message
	CreatedAt        time.Time
	LastAccessedAt   time.Time
}

// tailCount is the number of trailing raw messages preserved alongside a
// summarized prefix.
const tailCount = 3

// summaryTag prefixes the rendered content of the summarized-prefix marker
// message so the worker can distinguish it from a literal prior exchange.
const summaryTag = "[Summary of earlier conversation]: "
