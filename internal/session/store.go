package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"desklink/internal/model"
)

// Store is the in-memory registry of non-terminal session records. The index
// lock guards the id and pair maps only; mutations of a record happen under
// that record's own lock so unrelated sessions never serialize on each other.
//
// A record that reaches a terminal state leaves a tombstone in the same
// critical section that unindexes it, so a caller that loses the race to a
// terminal transition always finds one or the other.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*entry
	byPair map[string]string // pairKey(a, b) -> session id
	tombs  map[string]tombstone
	now    func() time.Time
}

type tombstone struct {
	rec model.SessionRecord
	at  time.Time
}

type entry struct {
	mu      sync.Mutex
	rec     model.SessionRecord
	removed bool
}

func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*entry),
		byPair: make(map[string]string),
		tombs:  make(map[string]tombstone),
		now:    time.Now,
	}
}

func pairKey(a, b model.Identity) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// Create registers rec and returns its id. An empty rec.ID is filled in.
func (s *Store) Create(rec model.SessionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	key := pairKey(rec.Initiator, rec.Responder)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPair[key]; exists {
		return "", ErrConflict
	}
	if _, exists := s.byID[rec.ID]; exists {
		return "", ErrConflict
	}
	s.byID[rec.ID] = &entry{rec: rec}
	s.byPair[key] = rec.ID
	return rec.ID, nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

func (s *Store) Get(id string) (model.SessionRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return model.SessionRecord{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.SessionRecord{}, ErrNotFound
	}
	return e.rec, nil
}

func (s *Store) FindActiveBetween(a, b model.Identity) (model.SessionRecord, bool) {
	s.mu.RLock()
	id, ok := s.byPair[pairKey(a, b)]
	s.mu.RUnlock()
	if !ok {
		return model.SessionRecord{}, false
	}
	rec, err := s.Get(id)
	if err != nil {
		return model.SessionRecord{}, false
	}
	return rec, true
}

// Update applies mutate to the record under its lock. If mutate returns an
// error the record is left untouched. A record mutated into a terminal state
// is removed before Update returns; the returned copy carries that state.
func (s *Store) Update(id string, mutate func(rec *model.SessionRecord) error) (model.SessionRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return model.SessionRecord{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.SessionRecord{}, ErrNotFound
	}

	next := e.rec
	if err := mutate(&next); err != nil {
		return e.rec, err
	}
	next.ID = e.rec.ID
	next.Initiator, next.Responder = e.rec.Initiator, e.rec.Responder
	e.rec = next

	if next.State.Terminal() {
		s.removeLocked(e)
	}
	return next, nil
}

// Remove drops the record regardless of its state.
func (s *Store) Remove(id string) {
	e, ok := s.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removed {
		s.removeLocked(e)
	}
}

// removeLocked requires e.mu.
func (s *Store) removeLocked(e *entry) {
	e.removed = true
	key := pairKey(e.rec.Initiator, e.rec.Responder)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[e.rec.ID] == e {
		delete(s.byID, e.rec.ID)
	}
	if s.byPair[key] == e.rec.ID {
		delete(s.byPair, key)
	}
	if e.rec.State.Terminal() {
		s.tombs[e.rec.ID] = tombstone{rec: e.rec, at: s.now()}
	}
}

// Tombstone returns the final copy of a record that reached a terminal state.
func (s *Store) Tombstone(id string) (model.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tombs[id]
	return t.rec, ok
}

// PurgeTombstones forgets terminal records buried before cutoff.
func (s *Store) PurgeTombstones(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tombs {
		if t.at.Before(cutoff) {
			delete(s.tombs, id)
			n++
		}
	}
	return n
}

// Len is the number of live non-terminal records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// IDs returns the ids of all live records, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
