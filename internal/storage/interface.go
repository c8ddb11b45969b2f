package storage

import (
	"carrytrade-qa/internal/conversation"
)

// Storage holds live sessions. There is no persistence: a session lives
// until it is deleted or expires.
type Storage interface {
	CreateSession(session *conversation.Session) error
	// GetSession returns the session and extends its expiry.
	GetSession(sessionID string) (*conversation.Session, error)
	DeleteSession(sessionID string) error
	ListSessions() ([]*conversation.Session, error)

	Init() error
	Close() error
}
