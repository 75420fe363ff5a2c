package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Sweeper runs Manager.Sweep on a fixed schedule, independent of request
// handling. Overlapping runs are skipped.
type Sweeper struct {
	cron *cron.Cron
	mgr  *Manager
}

func NewSweeper(mgr *Manager, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, errors.Newf("invalid sweep interval %s", interval)
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	s := &Sweeper{cron: c, mgr: mgr}
	if _, err := c.AddFunc("@every "+interval.String(), s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	if n := s.mgr.Sweep(s.mgr.now()); n > 0 {
		s.mgr.logger.Printf("session sweeper: expired %d idle sessions", n)
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule; the returned context is done once a running sweep
// has finished.
func (s *Sweeper) Stop() context.Context { return s.cron.Stop() }
