package session

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mpataki/scriptool/internal/interp"
)

type ManagerConfig struct {
	Project     interp.Project
	Interpreter interp.Interpreter
	Limits      interp.Limits

	// MaxConcurrency bounds executing scripts across all sessions.
	// Zero or less means unbounded.
	MaxConcurrency int

	// TTL expires conversation sessions idle for longer than this.
	TTL time.Duration
	// MaxSessions caps live conversation sessions; the least recently used
	// is evicted first.
	MaxSessions int

	Logger *slog.Logger
}

// Manager creates sessions and keeps conversation sessions alive between
// tool calls until they are closed, expire, or are evicted.
type Manager struct {
	cfg    ManagerConfig
	pool   *semaphore.Weighted
	logger *slog.Logger

	mu  sync.Mutex
	lru *list.List               // front=MRU
	m   map[string]*list.Element // conversation id -> element(Value=*entry)
}

type entry struct {
	conversationID string
	s              *Session
	lastUsed       time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var pool *semaphore.Weighted
	if cfg.MaxConcurrency > 0 {
		pool = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}

	return &Manager{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		lru:    list.New(),
		m:      map[string]*list.Element{},
	}
}

func (m *Manager) newSession(id string) *Session {
	return New(Config{
		ID:          id,
		Project:     m.cfg.Project,
		Interpreter: m.cfg.Interpreter,
		Limits:      m.cfg.Limits,
		Pool:        m.pool,
		Logger:      m.logger,
	})
}

// Ephemeral creates a session that is not tracked by the manager. The
// caller owns it and must close it.
func (m *Manager) Ephemeral() *Session {
	return m.newSession(uuid.Must(uuid.NewV7()).String())
}

// Open returns the live session for a conversation, creating it if needed.
func (m *Manager) Open(conversationID string) *Session {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked(now)

	if e := m.m[conversationID]; e != nil {
		it := e.Value.(*entry)
		if !it.s.Closed() {
			it.lastUsed = now
			m.lru.MoveToFront(e)
			return it.s
		}
		m.deleteElemLocked(e)
	}

	s := m.newSession(conversationID)
	m.m[conversationID] = m.lru.PushFront(&entry{conversationID: conversationID, s: s, lastUsed: now})
	m.logger.Debug("session opened", "conversation", conversationID)

	m.evictOverLimitLocked()

	return s
}

// Lookup returns the live session for a conversation without creating one.
func (m *Manager) Lookup(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked(time.Now())

	e := m.m[conversationID]
	if e == nil {
		return nil, false
	}
	return e.Value.(*entry).s, true
}

// Close tears down a conversation's session, waiting for its in-flight
// scripts. Closing an unknown conversation is a no-op.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	e := m.m[conversationID]
	var s *Session
	if e != nil {
		s = e.Value.(*entry).s
		m.deleteElemLocked(e)
	}
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	m.logger.Debug("session closed", "conversation", conversationID)
	return s.Close(ctx)
}

// Len returns the number of live conversation sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Shutdown closes every conversation session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, m.lru.Len())
	for e := m.lru.Front(); e != nil; {
		next := e.Next()
		sessions = append(sessions, e.Value.(*entry).s)
		m.deleteElemLocked(e)
		e = next
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) evictExpiredLocked(now time.Time) {
	for e := m.lru.Back(); e != nil; {
		prev := e.Prev()
		it := e.Value.(*entry)
		if now.Sub(it.lastUsed) <= m.cfg.TTL {
			break
		}
		m.logger.Debug("session expired", "conversation", it.conversationID)
		m.deleteElemLocked(e)
		e = prev
	}
}

func (m *Manager) evictOverLimitLocked() {
	for m.lru.Len() > m.cfg.MaxSessions {
		e := m.lru.Back()
		if e == nil {
			return
		}
		m.logger.Debug("session evicted", "conversation", e.Value.(*entry).conversationID)
		m.deleteElemLocked(e)
	}
}

// deleteElemLocked drops the session and stops it accepting scripts.
// In-flight scripts finish on their own.
func (m *Manager) deleteElemLocked(e *list.Element) {
	it := e.Value.(*entry)
	delete(m.m, it.conversationID)
	m.lru.Remove(e)
	it.s.markClosed()
}
