// Package memory implements the signaling store in process memory. Both
// parties of a call must share the one Store instance, which makes it
// suitable for tests and for single-host setups where the agent hosts the
// rendezvous itself.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/carewire/telecall/internal/signal"
)

type callDoc struct {
	record     *signal.CallRecord // nil until the call is started
	sessions   map[string]*signal.SessionRecord
	candidates map[string][]signal.CandidateRecord

	callWatchers      map[int]func(*signal.CallRecord)
	sessionWatchers   map[int]func([]signal.SessionRecord)
	candidateWatchers map[string]map[int]func([]signal.CandidateRecord)
}

func newCallDoc() *callDoc {
	return &callDoc{
		sessions:          make(map[string]*signal.SessionRecord),
		candidates:        make(map[string][]signal.CandidateRecord),
		callWatchers:      make(map[int]func(*signal.CallRecord)),
		sessionWatchers:   make(map[int]func([]signal.SessionRecord)),
		candidateWatchers: make(map[string]map[int]func([]signal.CandidateRecord)),
	}
}

// Store is the in-memory signaling store.
type Store struct {
	mu     sync.Mutex
	calls  map[string]*callDoc
	nextID int
	closed bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{calls: make(map[string]*callDoc)}
}

func (s *Store) doc(callID string) *callDoc {
	d, ok := s.calls[callID]
	if !ok {
		d = newCallDoc()
		s.calls[callID] = d
	}
	return d
}

func copyRecord(r *signal.CallRecord) *signal.CallRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (d *callDoc) sessionSnapshot() []signal.SessionRecord {
	out := make([]signal.SessionRecord, 0, len(d.sessions))
	for _, sess := range d.sessions {
		out = append(out, *sess)
	}
	signal.SortSessions(out)
	return out
}

func (d *callDoc) candidateSnapshot(sessionID string) []signal.CandidateRecord {
	src := d.candidates[sessionID]
	out := make([]signal.CandidateRecord, len(src))
	copy(out, src)
	return out
}

// MergeCall merge-writes fields into the call record, creating it if
// absent, and notifies call watchers.
func (s *Store) MergeCall(_ context.Context, callID string, fields map[string]any) error {
	s.mu.Lock()
	d := s.doc(callID)
	if d.record == nil {
		d.record = &signal.CallRecord{}
	}
	if err := signal.ApplyCallFields(d.record, fields); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := copyRecord(d.record)
	fns := collect(d.callWatchers)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(copyRecord(snap))
	}
	return nil
}

// GetCall returns the current call record.
func (s *Store) GetCall(_ context.Context, callID string) (*signal.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.calls[callID]
	if !ok || d.record == nil {
		return nil, signal.ErrNotFound
	}
	return copyRecord(d.record), nil
}

// WatchCall registers fn and fires it immediately with the current record.
func (s *Store) WatchCall(_ context.Context, callID string, fn func(*signal.CallRecord)) (signal.Unsubscribe, error) {
	s.mu.Lock()
	d := s.doc(callID)
	id := s.nextID
	s.nextID++
	d.callWatchers[id] = fn
	snap := copyRecord(d.record)
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		delete(d.callWatchers, id)
		s.mu.Unlock()
	}, nil
}

// DeleteCall removes the call and everything under it.
func (s *Store) DeleteCall(_ context.Context, callID string) error {
	s.mu.Lock()
	d, ok := s.calls[callID]
	if !ok || d.record == nil {
		s.mu.Unlock()
		return signal.ErrNotFound
	}
	if d.record.Active {
		s.mu.Unlock()
		return signal.ErrCallInProgress
	}
	delete(s.calls, callID)
	fns := collect(d.callWatchers)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
	return nil
}

// CreateSession stores a session document. CreatedAt is assigned here so
// all sessions of one call order against the same clock.
func (s *Store) CreateSession(_ context.Context, callID string, sess signal.SessionRecord) error {
	s.mu.Lock()
	d := s.doc(callID)
	if _, exists := d.sessions[sess.ID]; exists {
		s.mu.Unlock()
		return signal.ErrSessionExists
	}
	sess.CreatedAt = time.Now()
	d.sessions[sess.ID] = &sess
	snap := d.sessionSnapshot()
	fns := collect(d.sessionWatchers)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(append([]signal.SessionRecord(nil), snap...))
	}
	return nil
}

// UpdateSession merge-writes fields into an existing session.
func (s *Store) UpdateSession(_ context.Context, callID, sessionID string, fields map[string]any) error {
	s.mu.Lock()
	d, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return signal.ErrNotFound
	}
	sess, ok := d.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return signal.ErrNotFound
	}
	if err := signal.ApplySessionFields(sess, fields); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := d.sessionSnapshot()
	fns := collect(d.sessionWatchers)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(append([]signal.SessionRecord(nil), snap...))
	}
	return nil
}

// Sessions returns the current ordered session list.
func (s *Store) Sessions(_ context.Context, callID string) ([]signal.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.calls[callID]
	if !ok {
		return nil, nil
	}
	return d.sessionSnapshot(), nil
}

// WatchSessions registers fn and fires it immediately with the current
// ordered session list.
func (s *Store) WatchSessions(_ context.Context, callID string, fn func([]signal.SessionRecord)) (signal.Unsubscribe, error) {
	s.mu.Lock()
	d := s.doc(callID)
	id := s.nextID
	s.nextID++
	d.sessionWatchers[id] = fn
	snap := d.sessionSnapshot()
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		delete(d.sessionWatchers, id)
		s.mu.Unlock()
	}, nil
}

// AddCandidate appends a candidate under a session and notifies watchers of
// that session's candidate list.
func (s *Store) AddCandidate(_ context.Context, callID, sessionID string, cand signal.CandidateRecord) error {
	s.mu.Lock()
	d := s.doc(callID)
	d.candidates[sessionID] = append(d.candidates[sessionID], cand)
	snap := d.candidateSnapshot(sessionID)
	fns := collect(d.candidateWatchers[sessionID])
	s.mu.Unlock()

	for _, fn := range fns {
		fn(append([]signal.CandidateRecord(nil), snap...))
	}
	return nil
}

// WatchCandidates registers fn for one session's candidate list.
func (s *Store) WatchCandidates(_ context.Context, callID, sessionID string, fn func([]signal.CandidateRecord)) (signal.Unsubscribe, error) {
	s.mu.Lock()
	d := s.doc(callID)
	if d.candidateWatchers[sessionID] == nil {
		d.candidateWatchers[sessionID] = make(map[int]func([]signal.CandidateRecord))
	}
	id := s.nextID
	s.nextID++
	d.candidateWatchers[sessionID][id] = fn
	snap := d.candidateSnapshot(sessionID)
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		if m := d.candidateWatchers[sessionID]; m != nil {
			delete(m, id)
		}
		s.mu.Unlock()
	}, nil
}

// DeleteSession removes a session and cascades to its candidates. Absent
// sessions are a no-op so both teardown paths can race safely.
func (s *Store) DeleteSession(_ context.Context, callID, sessionID string) error {
	s.mu.Lock()
	d, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, existed := d.sessions[sessionID]; !existed {
		s.mu.Unlock()
		return nil
	}
	delete(d.sessions, sessionID)
	delete(d.candidates, sessionID)
	snap := d.sessionSnapshot()
	fns := collect(d.sessionWatchers)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(append([]signal.SessionRecord(nil), snap...))
	}
	return nil
}

// Close drops all state and watcher registrations.
func (s *Store) Close() error {
	s.mu.Lock()
	s.calls = make(map[string]*callDoc)
	s.closed = true
	s.mu.Unlock()
	return nil
}

// collect copies a watcher map into a slice so callbacks run outside the
// store lock. A callback may re-enter the store.
func collect[K comparable, F any](m map[K]F) []F {
	out := make([]F, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
