package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionID identifies one user's working session.
type SessionID string

// NewSessionID returns a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID("sess-" + uuid.New().String())
}

// Session owns one uploaded dataset and its conversation history for the
// session's lifetime. Queries against a session are serialized with Lock and
// Unlock.
type Session struct {
	ID        SessionID
	Dataset   *Dataset
	History   *ConversationHistory
	CreatedAt time.Time

	mu sync.Mutex
}

// NewSession creates a session over ds with an empty history.
func NewSession(ds *Dataset) *Session {
	return &Session{
		ID:        NewSessionID(),
		Dataset:   ds,
		History:   NewConversationHistory(),
		CreatedAt: time.Now(),
	}
}

// RestoreSession rebuilds a persisted session.
func RestoreSession(id SessionID, ds *Dataset, history []Exchange, createdAt time.Time) *Session {
	return &Session{
		ID:        id,
		Dataset:   ds,
		History:   NewConversationHistory(history...),
		CreatedAt: createdAt,
	}
}

// Info returns the persisted view of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{ID: s.ID, CreatedAt: s.CreatedAt, UpdatedAt: time.Now()}
	if s.Dataset != nil {
		info.DatasetID = s.Dataset.ID
		info.DatasetName = s.Dataset.Name
	}
	return info
}

// Lock claims the session for one query.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// SessionInfo is the persisted, dataset-free view of a session.
type SessionInfo struct {
	ID          SessionID `json:"id"`
	DatasetID   DatasetID `json:"dataset_id"`
	DatasetName string    `json:"dataset_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
