package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/llm"
	"github.com/alecgard/voxdesk/internal/router"
	"github.com/alecgard/voxdesk/internal/toolschema"
)

// ErrNotFound is returned for unknown or evicted sessions, and for sessions
// owned by another tenant.
var ErrNotFound = errors.New("chat session not found")

// Session is one conversation between a tenant's end user and the assistant.
// Only one turn runs at a time; the turn lock also guards the warm state.
type Session struct {
	ID        string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Language  string    `json:"language_code"`
	CreatedAt time.Time `json:"created_at"`

	tenant   *auth.Tenant
	turn     sync.Mutex
	lastUsed atomic.Int64
	warm     *warmState
}

// warmState is the per-session bundle built from the tenant catalog.
type warmState struct {
	chat         llm.Chat
	router       *router.Router
	declarations []toolschema.Declaration
	systemPrompt string
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// LastUsed returns when the session last started a turn.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Store is a concurrent map of live sessions with idle eviction.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idleTTL  time.Duration
	now      func() time.Time
	onChange func(active int)
}

// NewStore creates a Store that evicts sessions idle for longer than idleTTL.
// A non-positive idleTTL disables eviction.
func NewStore(idleTTL time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// OnChange registers a callback invoked with the session count after every
// insertion or removal.
func (s *Store) OnChange(fn func(active int)) {
	s.onChange = fn
}

func (s *Store) notify(n int) {
	if s.onChange != nil {
		s.onChange(n)
	}
}

// Put adds a session.
func (s *Store) Put(sess *Session) {
	sess.touch(s.now())
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.notify(n)
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete removes a session. It reports whether the session existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	if ok {
		s.notify(n)
	}
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep evicts idle sessions and returns how many were removed. Sessions with
// a turn in flight are never evicted.
func (s *Store) Sweep() int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	removed := 0
	for id, sess := range s.sessions {
		if !sess.LastUsed().Before(cutoff) {
			continue
		}
		if !sess.turn.TryLock() {
			continue
		}
		delete(s.sessions, id)
		sess.turn.Unlock()
		removed++
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if removed > 0 {
		s.notify(n)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
