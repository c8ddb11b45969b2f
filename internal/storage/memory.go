package storage

import (
	"time"

	"carrytrade-qa/internal/conversation"
	"carrytrade-qa/pkg/logger"

	"github.com/patrickmn/go-cache"
)

// MemoryStorage keeps sessions in an expiring cache. Expired or deleted
// sessions have their in-flight turn cancelled.
type MemoryStorage struct {
	cache *cache.Cache
}

// NewMemoryStorage creates a store whose sessions expire after ttl of
// inactivity; expired entries are purged every cleanupInterval.
func NewMemoryStorage(ttl, cleanupInterval time.Duration) *MemoryStorage {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	c := cache.New(ttl, cleanupInterval)
	c.OnEvicted(func(id string, v interface{}) {
		if session, ok := v.(*conversation.Session); ok {
			session.Close()
		}
		logger.Debugf("session %s evicted", id)
	})

	return &MemoryStorage{cache: c}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	for _, item := range m.cache.Items() {
		if session, ok := item.Object.(*conversation.Session); ok {
			session.Close()
		}
	}
	m.cache.Flush()
	return nil
}

func (m *MemoryStorage) CreateSession(session *conversation.Session) error {
	if session == nil || session.ID == "" {
		return ErrInvalidData
	}
	if err := m.cache.Add(session.ID, session, cache.DefaultExpiration); err != nil {
		return ErrSessionExists
	}
	return nil
}

func (m *MemoryStorage) GetSession(sessionID string) (*conversation.Session, error) {
	v, found := m.cache.Get(sessionID)
	if !found {
		return nil, ErrSessionNotFound
	}

	session := v.(*conversation.Session)
	// 滑动过期：每次访问重置 TTL；Replace 不会复活已删除的会话
	if err := m.cache.Replace(sessionID, session, cache.DefaultExpiration); err != nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (m *MemoryStorage) DeleteSession(sessionID string) error {
	if _, found := m.cache.Get(sessionID); !found {
		return ErrSessionNotFound
	}
	m.cache.Delete(sessionID)
	return nil
}

func (m *MemoryStorage) ListSessions() ([]*conversation.Session, error) {
	items := m.cache.Items()

	sessions := make([]*conversation.Session, 0, len(items))
	for _, item := range items {
		if session, ok := item.Object.(*conversation.Session); ok {
			sessions = append(sessions, session)
		}
	}

	return sessions, nil
}
