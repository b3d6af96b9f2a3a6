package domain

import "time"

// Exchange is one (query, response) entry of a conversation.
type Exchange struct {
	Query  string         `json:"query"`
	Record ResponseRecord `json:"record"`
	At     time.Time      `json:"at"`
}

// ConversationHistory is the append-only log of a session's exchanges.
// Insertion order is display order. It is not safe for concurrent writers;
// the owning session serializes access.
type ConversationHistory struct {
	entries []Exchange
}

// NewConversationHistory returns an empty history, optionally seeded with
// previously persisted exchanges.
func NewConversationHistory(seed ...Exchange) *ConversationHistory {
	h := &ConversationHistory{}
	if len(seed) > 0 {
		h.entries = make([]Exchange, len(seed))
		copy(h.entries, seed)
	}
	return h
}

// Append adds an exchange at the end of the log.
func (h *ConversationHistory) Append(query string, record ResponseRecord) Exchange {
	ex := Exchange{Query: query, Record: record, At: time.Now()}
	h.entries = append(h.entries, ex)
	return ex
}

// All returns a snapshot of the log in insertion order.
func (h *ConversationHistory) All() []Exchange {
	out := make([]Exchange, len(h.entries))
	copy(out, h.entries)
	return out
}

// Last returns up to n most recent exchanges, oldest first.
func (h *ConversationHistory) Last(n int) []Exchange {
	if n <= 0 || n >= len(h.entries) {
		return h.All()
	}
	out := make([]Exchange, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len returns the number of exchanges.
func (h *ConversationHistory) Len() int {
	return len(h.entries)
}

// Reset empties the log. Only a session reset calls this.
func (h *ConversationHistory) Reset() {
	h.entries = nil
}
