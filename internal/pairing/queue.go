// Package pairing turns provisioning tokens submitted over the loopback API
// into a persisted owner binding. Submissions are acknowledged immediately;
// a single worker redeems them against the backend.
package pairing

import (
	"context"
	"log"
	"sync"

	"github.com/cockroachdb/errors"

	"desklink/internal/devicecfg"
)

var (
	ErrEmptyToken = errors.New("missing token")
	ErrQueueFull  = errors.New("pairing queue full")
	ErrClosed     = errors.New("pairing queue closed")
)

const DefaultCapacity = 8

// Grant is what the backend returns for a redeemed provisioning token.
type Grant struct {
	Token    string `json:"token"`
	OwnerID  string `json:"ownerId"`
	DeviceID string `json:"deviceId"`
}

type Redeemer interface {
	Redeem(ctx context.Context, serverURL, provisioningToken, deviceID string) (Grant, error)
}

// Event reports that the device is now paired with Config.OwnerID.
type Event struct {
	Config devicecfg.Config
}

type Option func(*Queue)

func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

func WithLogger(l *log.Logger) Option { return func(q *Queue) { q.logger = l } }

type Queue struct {
	store    *devicecfg.Store
	redeemer Redeemer
	logger   *log.Logger
	capacity int

	work   chan string
	events chan Event

	mu      sync.Mutex
	pending map[string]struct{}
	applied string
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the worker. The caller owns the only consumer of Events.
func New(store *devicecfg.Store, redeemer Redeemer, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		redeemer: redeemer,
		logger:   log.Default(),
		capacity: DefaultCapacity,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.work = make(chan string, q.capacity)
	q.events = make(chan Event, q.capacity)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	go q.run()
	return q
}

func (q *Queue) Events() <-chan Event { return q.events }

// Submit enqueues token without waiting for it to be processed. A token that
// is already queued or was the last one applied is accepted and ignored.
func (q *Queue) Submit(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, dup := q.pending[token]; dup || token == q.applied {
		return nil
	}
	select {
	case q.work <- token:
		q.pending[token] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued tokens to be processed. If ctx ends
// first, in-flight work is cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	defer close(q.events)
	defer q.cancel()

	for token := range q.work {
		ev, err := q.apply(token)

		q.mu.Lock()
		delete(q.pending, token)
		if err == nil {
			q.applied = token
		}
		q.mu.Unlock()

		if err != nil {
			q.logger.Printf("pairing: device %s: %v", q.store.Get().DeviceID, err)
			continue
		}
		select {
		case q.events <- ev:
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) apply(token string) (Event, error) {
	cur := q.store.Get()
	grant, err := q.redeemer.Redeem(q.ctx, cur.ServerURL, token, cur.DeviceID)
	if err != nil {
		return Event{}, errors.Wrap(err, "redeem provisioning token")
	}
	if grant.Token == "" || grant.OwnerID == "" {
		return Event{}, errors.New("redeem provisioning token: incomplete grant")
	}
	if grant.DeviceID != "" && grant.DeviceID != cur.DeviceID {
		return Event{}, errors.Newf("redeem provisioning token: grant for device %s", grant.DeviceID)
	}

	cfg, err := q.store.Update(func(c *devicecfg.Config) {
		c.OwnerToken = grant.Token
		c.OwnerID = grant.OwnerID
	})
	if err != nil {
		return Event{}, errors.Wrap(err, "persist owner binding")
	}
	q.logger.Printf("pairing: device %s paired to %s", cfg.DeviceID, cfg.OwnerID)
	return Event{Config: cfg}, nil
}
