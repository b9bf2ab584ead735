package types

import "time"

// Role tags one side of a guest conversation.
type Role string

const (
	RoleGuest     Role = "guest"
	RoleAssistant Role = "assistant"
)

// KnowledgeItem is one retrieved property-knowledge fragment, opaque to the
// conversation core beyond its text and similarity score.
type KnowledgeItem struct {
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
}

// ConversationEntry is one role-tagged transcript fragment.
type ConversationEntry struct {
	Role        Role            `json:"role"`
	Text        string          `json:"text"`
	Timestamp   time.Time       `json:"timestamp"`
	ContextUsed []KnowledgeItem `json:"context_used,omitempty"`
}

// Window returns the trailing n entries for prompt assembly. The full history
// is append-only; only the prompt view is bounded.
func Window(entries []ConversationEntry, n int) []ConversationEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
