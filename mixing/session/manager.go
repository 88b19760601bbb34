// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coinparty/cpd/mixing"
)

// Manager opens a session for every gathering epoch and keeps track of the
// running ones.
type Manager struct {
	cfg  Config
	self uint32
	t    int

	mu       sync.RWMutex
	sessions map[[32]byte]*Session
	current  *Session

	wg sync.WaitGroup
}

// NewManager returns a session manager.  The configuration is validated and
// unset values take their defaults.
func NewManager(cfg *Config) (*Manager, error) {
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      c,
		self:     c.Net.Self(),
		t:        mixing.Threshold(c.Peers),
		sessions: make(map[[32]byte]*Session),
	}, nil
}

// Run opens a session at the start of every epoch until ctx is cancelled,
// then waits for the running sessions to stop.
func (m *Manager) Run(ctx context.Context) error {
	defer m.wg.Wait()

	epochDuration := m.cfg.Timeouts.Gather
	for {
		epoch := mixing.Epoch(time.Now(), epochDuration)
		m.open(ctx, epoch, mixing.EpochStart(epoch+1, epochDuration))

		next := mixing.EpochStart(epoch+1, epochDuration)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		m.expire()
	}
}

// open starts the session of an epoch unless it is already running.
func (m *Manager) open(ctx context.Context, epoch uint64, gatherEnd time.Time) *Session {
	s := newSession(m, epoch, gatherEnd)

	m.mu.Lock()
	if running, ok := m.sessions[s.sid]; ok {
		m.mu.Unlock()
		return running
	}
	m.sessions[s.sid] = s
	m.current = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(ctx)
		m.finish(s)
		close(s.done)
	}()
	return s
}

// finish forgets a session that stopped running.
func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.sid)
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
	m.cfg.Pool.RemoveSession(s.sid)
}

// expire drops pool sessions of epochs no session is running for.
func (m *Manager) expire() {
	cutoff := time.Now().Add(-m.cfg.Timeouts.Gather)
	n := m.cfg.Pool.ExpireSessions(cutoff, func(sid [32]byte) bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		_, ok := m.sessions[sid]
		return ok
	})
	if n != 0 {
		log.Debugf("Expired %d stale pool %s", n, pickNoun(n, "session",
			"sessions"))
	}
}

// Current returns the session accepting registrations, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Session returns the running session with the given ID.
func (m *Manager) Session(sid [32]byte) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	return s, ok
}

// Sessions returns the running sessions ordered by epoch.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].epoch < out[j].epoch })
	return out
}

// Status returns the status of a running or archived session.
func (m *Manager) Status(sid [32]byte) (*Status, error) {
	if s, ok := m.Session(sid); ok {
		return s.Status(), nil
	}
	if m.cfg.Archive != nil {
		rec, err := m.cfg.Archive.Get(sid)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return statusFromRecord(rec, m.cfg.Peers), nil
		}
	}
	return nil, mixing.MakeError(mixing.ErrUnknownSession,
		fmt.Sprintf("no session %x", sid[:]))
}
