package session

import (
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"desklink/internal/model"
)

// Lifecycle notifications emitted to participants.
const (
	EventRequest   = "session-request"
	EventAccepted  = "session-accepted"
	EventRejected  = "session-rejected"
	EventActive    = "session-active"
	EventCompleted = "session-completed"
	EventExpired   = "session-expired"
)

// Presence reports whether an identity has at least one live binding.
type Presence interface {
	IsOnline(id model.Identity) bool
}

// Notifier delivers lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(to model.Identity, event string, rec model.SessionRecord)
}

type Timeouts struct {
	Pending  time.Duration
	Accepted time.Duration
	Active   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Pending: 60 * time.Second, Accepted: 2 * time.Minute, Active: 10 * time.Minute}
}

func (t Timeouts) forState(s model.SessionState) time.Duration {
	switch s {
	case model.StatePending:
		return t.Pending
	case model.StateAccepted:
		return t.Accepted
	default:
		return t.Active
	}
}

// Manager enforces the session state machine on top of Store.
type Manager struct {
	store    *Store
	rooms    *Rooms
	presence Presence
	timeouts Timeouts
	now      func() time.Time
	logger   *log.Logger
	onExpire func(model.SessionRecord)

	notifierMu sync.RWMutex
	notifier   Notifier

	// Terminal records are remembered for a while so duplicate complete
	// signals and late accept/reject calls get a precise answer.
	tombTTL time.Duration
}

type Option func(*Manager)

func WithTimeouts(t Timeouts) Option { return func(m *Manager) { m.timeouts = t } }
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}
func WithLogger(l *log.Logger) Option { return func(m *Manager) { m.logger = l } }
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithExpiryHook is called once for every record the sweeper expires.
func WithExpiryHook(fn func(model.SessionRecord)) Option {
	return func(m *Manager) { m.onExpire = fn }
}

func NewManager(store *Store, rooms *Rooms, presence Presence, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		rooms:    rooms,
		presence: presence,
		timeouts: DefaultTimeouts(),
		now:      time.Now,
		logger:   log.Default(),
		tombTTL:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	// Tombstones are stamped with the manager's clock so Sweep can age them.
	store.now = m.now
	if m.rooms == nil {
		m.rooms = NewRooms()
	}
	return m
}

// SetNotifier installs the notifier after construction; the relay that
// implements it depends on the Manager.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifierMu.Lock()
	m.notifier = n
	m.notifierMu.Unlock()
}

func (m *Manager) Store() *Store { return m.store }
func (m *Manager) Rooms() *Rooms { return m.rooms }

func (m *Manager) notify(rec model.SessionRecord, event string, to ...model.Identity) {
	m.notifierMu.RLock()
	n := m.notifier
	m.notifierMu.RUnlock()
	if n == nil {
		return
	}
	for _, id := range to {
		n.Notify(id, event, rec)
	}
}

// RequestSession creates a Pending direct session and notifies the target.
func (m *Manager) RequestSession(initiator, target model.Identity) (model.SessionRecord, error) {
	if initiator == "" || target == "" || initiator == target {
		return model.SessionRecord{}, ErrForbidden
	}
	if m.presence == nil || !m.presence.IsOnline(target) {
		return model.SessionRecord{}, ErrRecipientUnavailable
	}
	return m.create(initiator, target, model.KindDirect, "")
}

// RequestMeetingSession admits the responder by room membership. With an
// empty target the room must hold exactly one other member.
func (m *Manager) RequestMeetingSession(initiator model.Identity, roomID string, target model.Identity) (model.SessionRecord, error) {
	if roomID == "" || !m.rooms.IsMember(roomID, initiator) {
		return model.SessionRecord{}, ErrForbidden
	}
	if target == "" {
		var others []model.Identity
		for _, id := range m.rooms.Members(roomID) {
			if id != initiator {
				others = append(others, id)
			}
		}
		switch len(others) {
		case 0:
			return model.SessionRecord{}, ErrRecipientUnavailable
		case 1:
			target = others[0]
		default:
			return model.SessionRecord{}, errors.Wrapf(ErrConflict, "room %s has %d candidates, target required", roomID, len(others))
		}
	}
	if target == initiator {
		return model.SessionRecord{}, ErrForbidden
	}
	if !m.rooms.IsMember(roomID, target) {
		return model.SessionRecord{}, ErrRecipientUnavailable
	}
	return m.create(initiator, target, model.KindMeeting, roomID)
}

func (m *Manager) create(initiator, target model.Identity, kind model.SessionKind, roomID string) (model.SessionRecord, error) {
	now := m.now()
	rec := model.SessionRecord{
		Initiator:      initiator,
		Responder:      target,
		Kind:           kind,
		RoomID:         roomID,
		State:          model.StatePending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	id, err := m.store.Create(rec)
	if err != nil {
		return model.SessionRecord{}, err
	}
	rec.ID = id
	m.logger.Printf("session: %s requested %s -> %s (%s)", id, initiator, target, kind)
	m.notify(rec, EventRequest, target)
	return rec, nil
}

func (m *Manager) Get(id string) (model.SessionRecord, error) {
	return m.store.Get(id)
}

func (m *Manager) Accept(id string, actor model.Identity) (model.SessionRecord, error) {
	rec, err := m.respond(id, actor, model.StateAccepted)
	if err != nil {
		return rec, err
	}
	m.notify(rec, EventAccepted, rec.Initiator, rec.Responder)
	return rec, nil
}

func (m *Manager) Reject(id string, actor model.Identity) (model.SessionRecord, error) {
	rec, err := m.respond(id, actor, model.StateRejected)
	if err != nil {
		return rec, err
	}
	m.notify(rec, EventRejected, rec.Initiator, rec.Responder)
	return rec, nil
}

func (m *Manager) respond(id string, actor model.Identity, to model.SessionState) (model.SessionRecord, error) {
	now := m.now()
	rec, err := m.store.Update(id, func(r *model.SessionRecord) error {
		if r.Responder != actor {
			return ErrForbidden
		}
		if r.State != model.StatePending {
			return ErrNotPending
		}
		r.State = to
		r.LastActivityAt = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		if dead, ok := m.store.Tombstone(id); ok {
			if dead.Responder != actor {
				return model.SessionRecord{}, ErrForbidden
			}
			return model.SessionRecord{}, ErrNotPending
		}
	}
	if err != nil {
		return model.SessionRecord{}, err
	}
	m.logger.Printf("session: %s %s by %s", id, to, actor)
	return rec, nil
}

// Activate moves an Accepted session to Active. It reports whether this call
// performed the transition.
func (m *Manager) Activate(id string) (model.SessionRecord, bool) {
	now := m.now()
	activated := false
	rec, err := m.store.Update(id, func(r *model.SessionRecord) error {
		r.LastActivityAt = now
		if r.State == model.StateAccepted {
			r.State = model.StateActive
			activated = true
		}
		return nil
	})
	if err != nil || !activated {
		return rec, false
	}
	m.logger.Printf("session: %s active", id)
	m.notify(rec, EventActive, rec.Initiator, rec.Responder)
	return rec, true
}

// Touch records negotiation activity on a live session.
func (m *Manager) Touch(id string) {
	now := m.now()
	_, _ = m.store.Update(id, func(r *model.SessionRecord) error {
		r.LastActivityAt = now
		return nil
	})
}

// Complete ends an Accepted or Active session. Completing a session that is
// already finished is a no-op so both peers may signal it.
func (m *Manager) Complete(id string, actor model.Identity) (model.SessionRecord, error) {
	now := m.now()
	rec, err := m.store.Update(id, func(r *model.SessionRecord) error {
		if !r.HasParticipant(actor) {
			return ErrForbidden
		}
		if r.State != model.StateAccepted && r.State != model.StateActive {
			return errors.Wrapf(ErrInvalidState, "cannot complete a %s session", r.State)
		}
		r.State = model.StateCompleted
		r.LastActivityAt = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		if dead, ok := m.store.Tombstone(id); ok {
			if !dead.HasParticipant(actor) {
				return model.SessionRecord{}, ErrForbidden
			}
			return dead, nil
		}
		return model.SessionRecord{}, err
	}
	if err != nil {
		return model.SessionRecord{}, err
	}
	m.logger.Printf("session: %s completed by %s", id, actor)
	m.notify(rec, EventCompleted, rec.Initiator, rec.Responder)
	return rec, nil
}

var errNotIdle = errors.New("session not idle")

// Sweep expires every record idle for longer than its state's window and
// returns how many were expired.
func (m *Manager) Sweep(now time.Time) int {
	expired := 0
	for _, id := range m.store.IDs() {
		rec, err := m.store.Update(id, func(r *model.SessionRecord) error {
			if now.Sub(r.LastActivityAt) < m.timeouts.forState(r.State) {
				return errNotIdle
			}
			r.State = model.StateExpired
			return nil
		})
		if err != nil {
			continue
		}
		expired++
		m.logger.Printf("session: %s expired after idle timeout", id)
		if m.onExpire != nil {
			m.onExpire(rec)
		}
		m.notify(rec, EventExpired, rec.Initiator, rec.Responder)
	}
	m.purgeTombstones(now)
	return expired
}

func (m *Manager) purgeTombstones(now time.Time) {
	m.store.PurgeTombstones(now.Add(-m.tombTTL))
}
