package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultFreshness    = 60 * time.Second
	DefaultMaxRedirects = 10
	DefaultIdleTimeout  = 30 * time.Minute
)

type MemoryConfig struct {
	// HistoryManagement makes the backend enforce freshness and the redirect
	// cap itself, so callers can skip their own retention pass.
	HistoryManagement bool
	Freshness         time.Duration
	MaxRedirects      int
	IdleTimeout       time.Duration
	Now               func() time.Time
}

type MemoryBackend struct {
	mu        sync.Mutex
	sessions  map[string]*memorySession
	cfg       MemoryConfig
	closed    bool
	lastSweep time.Time
}

type memorySession struct {
	queues   map[Key][]Entry
	lastSeen time.Time
}

func NewMemoryBackend(cfg MemoryConfig) *MemoryBackend {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryBackend{
		sessions:  make(map[string]*memorySession),
		cfg:       cfg,
		lastSweep: cfg.Now(),
	}
}

func (b *MemoryBackend) ForSession(id string) Store {
	if b == nil || id == "" {
		return Inactive()
	}
	return &memoryStore{backend: b, id: id}
}

func (b *MemoryBackend) ReapIdle(_ context.Context, before time.Time) (int, error) {
	if b == nil {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reap(before), nil
}

// reap must be called with b.mu held.
func (b *MemoryBackend) reap(before time.Time) int {
	reaped := 0
	for id, sess := range b.sessions {
		if sess.lastSeen.Before(before) {
			delete(b.sessions, id)
			reaped++
		}
	}
	return reaped
}

// sweep drops idle sessions at most once per half idle timeout, so abandoned
// sessions go away without an external reaper. Must be called with b.mu held.
func (b *MemoryBackend) sweep(now time.Time) {
	if now.Sub(b.lastSweep) < b.cfg.IdleTimeout/2 {
		return
	}
	b.lastSweep = now
	b.reap(now.Add(-b.cfg.IdleTimeout))
}

func (b *MemoryBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.closed = true
	b.sessions = make(map[string]*memorySession)
	b.mu.Unlock()
	return nil
}

// SessionCount reports live sessions; used by tests and the reaper log line.
func (b *MemoryBackend) SessionCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// session must be called with b.mu held.
func (b *MemoryBackend) session(id string, create bool) *memorySession {
	now := b.cfg.Now()
	b.sweep(now)
	sess, ok := b.sessions[id]
	if !ok {
		if !create {
			return nil
		}
		sess = &memorySession{queues: make(map[Key][]Entry)}
		b.sessions[id] = sess
	}
	sess.lastSeen = now
	return sess
}

// managed applies native history bounds. Must be called with b.mu held.
func (b *MemoryBackend) managed(key Key, queue []Entry) []Entry {
	if !b.cfg.HistoryManagement || len(queue) == 0 {
		return queue
	}
	now := b.cfg.Now()
	kept := queue[:0:0]
	for _, entry := range queue {
		if entry.FreshAt(now, b.cfg.Freshness) {
			kept = append(kept, entry)
		}
	}
	if key.Namespace == NamespaceRedirect && len(kept) > b.cfg.MaxRedirects {
		kept = kept[len(kept)-b.cfg.MaxRedirects:]
	}
	return kept
}

type memoryStore struct {
	backend *MemoryBackend
	id      string
}

func (s *memoryStore) IsActive() bool {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return !s.backend.closed
}

func (s *memoryStore) HasHistoryManagement() bool {
	return s.backend.cfg.HistoryManagement
}

func (s *memoryStore) Get(_ context.Context, key Key) ([]Entry, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrInactive
	}
	sess := b.session(s.id, false)
	if sess == nil {
		return nil, nil
	}
	queue := b.managed(key, sess.queues[key])
	return copyQueue(queue), nil
}

func (s *memoryStore) Set(_ context.Context, key Key, queue []Entry) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrInactive
	}
	sess := b.session(s.id, true)
	queue = b.managed(key, copyQueue(queue))
	if len(queue) == 0 {
		delete(sess.queues, key)
		return nil
	}
	sess.queues[key] = queue
	return nil
}

func (s *memoryStore) Append(_ context.Context, key Key, entry Entry) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrInactive
	}
	sess := b.session(s.id, true)
	queue := append(copyQueue(sess.queues[key]), entry)
	queue = b.managed(key, queue)
	if len(queue) == 0 {
		delete(sess.queues, key)
		return nil
	}
	sess.queues[key] = queue
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key Key, match func(Entry) bool) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrInactive
	}
	sess := b.session(s.id, false)
	if sess == nil || match == nil {
		return nil
	}
	queue := sess.queues[key]
	kept := make([]Entry, 0, len(queue))
	for _, entry := range queue {
		if !match(entry) {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(sess.queues, key)
		return nil
	}
	sess.queues[key] = kept
	return nil
}

func (s *memoryStore) Clear(_ context.Context, key Key) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrInactive
	}
	if sess := b.session(s.id, false); sess != nil {
		delete(sess.queues, key)
	}
	return nil
}

func (s *memoryStore) Take(_ context.Context, key Key) ([]Entry, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrInactive
	}
	sess := b.session(s.id, false)
	if sess == nil {
		return nil, nil
	}
	queue := b.managed(key, sess.queues[key])
	delete(sess.queues, key)
	return copyQueue(queue), nil
}

func (s *memoryStore) Children(_ context.Context, namespace string) ([]Key, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrInactive
	}
	sess := b.session(s.id, false)
	if sess == nil {
		return nil, nil
	}
	keys := make([]Key, 0, len(sess.queues))
	for key := range sess.queues {
		if key.Namespace == namespace && key.ID != "" {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}
