package auth

import (
	"sync"
	"time"
)

// Ledger remembers consumed token ids until they expire, making provisioning
// tokens single-use.
type Ledger struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{used: make(map[string]time.Time), now: now}
}

// Consume reports whether jti was unused, and marks it used until expiresAt.
func (l *Ledger) Consume(jti string, expiresAt time.Time) bool {
	if jti == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, exp := range l.used {
		if now.After(exp) {
			delete(l.used, id)
		}
	}
	if _, seen := l.used[jti]; seen {
		return false
	}
	l.used[jti] = expiresAt
	return true
}
