package session

import (
	"sort"
	"sync"

	"desklink/internal/model"
)

// Rooms tracks meeting membership. Membership lasts until an explicit leave;
// it does not depend on the member holding a live connection.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[model.Identity]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[model.Identity]struct{})}
}

func (r *Rooms) Join(roomID string, id model.Identity) {
	if roomID == "" || id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[roomID]
	if set == nil {
		set = make(map[model.Identity]struct{})
		r.members[roomID] = set
	}
	set[id] = struct{}{}
}

func (r *Rooms) Leave(roomID string, id model.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[roomID]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.members, roomID)
	}
}

func (r *Rooms) IsMember(roomID string, id model.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[roomID][id]
	return ok
}

// Members returns the room's identities, sorted.
func (r *Rooms) Members(roomID string) []model.Identity {
	r.mu.RLock()
	set := r.members[roomID]
	out := make([]model.Identity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
