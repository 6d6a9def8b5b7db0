// ABOUTME: Bounded LRU store of conversation sessions (history plus loaded capabilities)
// ABOUTME: Evicts the least recently used idle session atomically with the insertion that overflows it

package session

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ant-gateway/internal/loader"
)

// DefaultCapacity is the session bound used when none is configured.
const DefaultCapacity = 1000

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the assistant.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Snapshot is a deep copy of one session's state.
type Snapshot struct {
	ID           string
	History      []Message
	Capabilities []*loader.Capability
	CreatedAt    time.Time
	LastUsed     time.Time
}

// Identifiers returns the identifiers of the snapshot's capabilities in order.
func (s Snapshot) Identifiers() []string {
	ids := make([]string, len(s.Capabilities))
	for i, c := range s.Capabilities {
		ids[i] = c.Identifier
	}
	return ids
}

// entry is one session. mu guards the data fields.
type entry struct {
	id      string
	element *list.Element

	mu        sync.Mutex
	history   []Message
	caps      []*loader.Capability
	createdAt time.Time
	lastUsed  time.Time
}

// turnLock serializes the turns of one session id. It lives outside the
// entry so that eviction or deletion never hands a second caller a fresh lock
// while a turn is still running. refs counts holders and waiters.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// Store is a thread-safe, size-limited LRU of sessions.
// Uses a doubly-linked list for O(1) promotion and eviction.
// Sessions with a turn in flight are never chosen for eviction; if every
// session is busy the store runs over capacity until a turn ends.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	turns    map[string]*turnLock
	order    *list.List // session ids, least recently used at front
	capacity int
	onEvict  func(id string)
	logger   *slog.Logger
}

// New creates a Store holding at most capacity sessions. onEvict, if non-nil,
// is called with the id of every evicted or deleted session, outside any lock.
func New(capacity int, onEvict func(id string), logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:  make(map[string]*entry),
		turns:    make(map[string]*turnLock),
		order:    list.New(),
		capacity: capacity,
		onEvict:  onEvict,
		logger:   logger.With("component", "sessions"),
	}
}

// acquire returns the entry for id, promoting it to most recently used.
// When create is set a missing entry is inserted, evicting the least recently
// used idle session if the store is full.
func (s *Store) acquire(id string, create bool) *entry {
	s.mu.Lock()
	now := time.Now()

	if e, ok := s.entries[id]; ok {
		s.order.MoveToBack(e.element)
		s.mu.Unlock()
		e.mu.Lock()
		e.lastUsed = now
		e.mu.Unlock()
		return e
	}
	if !create {
		s.mu.Unlock()
		return nil
	}

	var evicted []string
	if len(s.entries) >= s.capacity {
		evicted = s.trimLocked(s.capacity - 1)
	}

	e := &entry{id: id, createdAt: now, lastUsed: now}
	e.element = s.order.PushBack(id)
	s.entries[id] = e
	over := len(s.entries) > s.capacity
	s.mu.Unlock()

	if over {
		s.logger.Warn("every session is busy, running over capacity", "sessions", s.Len(), "capacity", s.capacity)
	}
	s.notifyEvicted(evicted...)
	return e
}

// trimLocked evicts idle sessions, least recently used first, until at most
// limit remain or only busy sessions are left. Must be called with mu held.
func (s *Store) trimLocked(limit int) []string {
	var evicted []string
	for el := s.order.Front(); el != nil && len(s.entries) > limit; {
		next := el.Next()
		id, _ := el.Value.(string)
		if s.turns[id] == nil {
			s.order.Remove(el)
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
		el = next
	}
	return evicted
}

func (s *Store) notifyEvicted(ids ...string) {
	for _, id := range ids {
		s.logger.Info("session evicted", "session_id", id, "capacity", s.capacity)
		if s.onEvict != nil {
			s.onEvict(id)
		}
	}
}

// GetOrCreate returns the session, creating an empty one if absent.
func (s *Store) GetOrCreate(id string) Snapshot {
	return s.acquire(id, true).snapshot()
}

// Snapshot returns the session if present. Unknown ids are not created.
func (s *Store) Snapshot(id string) (Snapshot, bool) {
	e := s.acquire(id, false)
	if e == nil {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Touch promotes the session to most recently used. It reports whether the session exists.
func (s *Store) Touch(id string) bool {
	return s.acquire(id, false) != nil
}

// Lock takes the session's turn lock, creating the session if absent, and
// returns the function that releases it. The session cannot be evicted while
// the lock is held or awaited.
func (s *Store) Lock(id string) (unlock func()) {
	s.mu.Lock()
	tl := s.turns[id]
	if tl == nil {
		tl = &turnLock{}
		s.turns[id] = tl
	}
	tl.refs++
	s.mu.Unlock()

	s.acquire(id, true)
	tl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			tl.mu.Unlock()

			s.mu.Lock()
			tl.refs--
			if tl.refs == 0 {
				delete(s.turns, id)
			}
			evicted := s.trimLocked(s.capacity)
			s.mu.Unlock()
			s.notifyEvicted(evicted...)
		})
	}
}

// AppendCapability adds c to the end of the session's capability list and
// returns the identifier it was stored under. An identifier already present
// is suffixed (_2, _3, ...) on a copy of c; nothing is ever replaced.
func (s *Store) AppendCapability(id string, c *loader.Capability) (string, error) {
	e := s.acquire(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := make([]string, len(e.caps))
	for i, have := range e.caps {
		existing[i] = have.Identifier
	}
	unique, err := loader.UniqueIdentifier(c.Identifier, existing)
	if err != nil {
		return "", err
	}
	if unique != c.Identifier {
		renamed := *c
		renamed.Identifier = unique
		c = &renamed
	}
	e.caps = append(e.caps, c)
	return unique, nil
}

// ReplaceHistory stores a copy of history as the session's conversation.
func (s *Store) ReplaceHistory(id string, history []Message) {
	e := s.acquire(id, true)
	e.mu.Lock()
	e.history = copyHistory(history)
	e.mu.Unlock()
}

// Delete removes the session. It reports whether the session existed.
// A turn already running keeps its lock, so turns on the id stay serialized.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		s.order.Remove(e.element)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok && s.onEvict != nil {
		s.onEvict(id)
	}
	return ok
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Capacity returns the configured bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// IDs returns live session ids from least to most recently used.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		ID:           e.id,
		History:      copyHistory(e.history),
		Capabilities: append([]*loader.Capability(nil), e.caps...),
		CreatedAt:    e.createdAt,
		LastUsed:     e.lastUsed,
	}
}

func copyHistory(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m
		if m.ToolCalls != nil {
			out[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
	}
	return out
}
