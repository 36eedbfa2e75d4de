package acreage

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown or expired session ids
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidSessionID is returned by UpdateOrCreate for ids that cannot
// name an MQTT topic level.
var ErrInvalidSessionID = errors.New("invalid session id")

// SessionEvent describes one committed session change. Every change made
// through a store gets a larger Revision than the one before it; events
// may reach observers out of order, so observers compare revisions.
type SessionEvent struct {
	ID       string
	State    FilterState
	Revision uint64
	Closed   bool
}

type session struct {
	state   FilterState
	touched time.Time
}

// SessionStore keeps one FilterState per viewer. Each viewer owns its own
// bucket selection; nothing is shared between sessions.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	buckets   []SizeBucket
	now       func() time.Time
	rev       uint64
	observers []func(SessionEvent)
}

// NewSessionStore creates a store whose new sessions start from buckets
// with every bucket selected.
func NewSessionStore(buckets []SizeBucket) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
		buckets:  cloneBuckets(buckets),
		now:      time.Now,
	}
}

// OnChange registers fn to be called after every committed change:
// creation, update, delete and prune. fn runs outside the store lock.
func (s *SessionStore) OnChange(fn func(SessionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// commit records a change under s.mu and returns its event
func (s *SessionStore) commit(id string, state FilterState, closed bool) SessionEvent {
	s.rev++
	return SessionEvent{ID: id, State: state, Revision: s.rev, Closed: closed}
}

func (s *SessionStore) emit(observers []func(SessionEvent), events ...SessionEvent) {
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// Create starts a new session
func (s *SessionStore) Create() (string, FilterState) {
	id := uuid.NewString()
	state := NewFilterState(s.buckets)

	s.mu.Lock()
	s.sessions[id] = &session{state: state, touched: s.now()}
	ev := s.commit(id, state, false)
	observers := s.observers
	s.mu.Unlock()

	s.emit(observers, ev)
	return id, state
}

// Get returns a session's current state and marks it as active
func (s *SessionStore) Get(id string) (FilterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return FilterState{}, ErrSessionNotFound
	}
	sess.touched = s.now()
	return sess.state, nil
}

// Update applies fn to a session's state and stores the result. Updates to
// the same session are serialized; if fn fails the state is unchanged.
func (s *SessionStore) Update(id string, fn func(FilterState) (FilterState, error)) (FilterState, error) {
	return s.update(id, false, fn)
}

// UpdateOrCreate is Update for clients that pick their own session id. An
// unknown id starts from the default buckets with every bucket selected;
// the session is only created if fn succeeds.
func (s *SessionStore) UpdateOrCreate(id string, fn func(FilterState) (FilterState, error)) (FilterState, error) {
	if id == "" || strings.ContainsAny(id, "/+#") {
		return FilterState{}, ErrInvalidSessionID
	}
	return s.update(id, true, fn)
}

func (s *SessionStore) update(id string, create bool, fn func(FilterState) (FilterState, error)) (FilterState, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok && !create {
		s.mu.Unlock()
		return FilterState{}, ErrSessionNotFound
	}
	current := NewFilterState(s.buckets)
	if ok {
		current = sess.state
	}
	next, err := fn(current)
	if err != nil {
		s.mu.Unlock()
		return current, err
	}
	if !ok {
		sess = &session{}
		s.sessions[id] = sess
	}
	sess.state = next
	sess.touched = s.now()
	ev := s.commit(id, next, false)
	observers := s.observers
	s.mu.Unlock()

	s.emit(observers, ev)
	return next, nil
}

// Delete removes a session, reporting whether it existed
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	ev := s.commit(id, FilterState{}, true)
	observers := s.observers
	s.mu.Unlock()

	s.emit(observers, ev)
	return true
}

// Len returns the number of live sessions
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Prune drops sessions idle for longer than maxAge and returns their ids
// in sorted order.
func (s *SessionStore) Prune(maxAge time.Duration) []string {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	var pruned []string
	for id, sess := range s.sessions {
		if sess.touched.Before(cutoff) {
			pruned = append(pruned, id)
		}
	}
	sort.Strings(pruned)
	events := make([]SessionEvent, 0, len(pruned))
	for _, id := range pruned {
		delete(s.sessions, id)
		events = append(events, s.commit(id, FilterState{}, true))
	}
	observers := s.observers
	s.mu.Unlock()

	s.emit(observers, events...)
	return pruned
}
