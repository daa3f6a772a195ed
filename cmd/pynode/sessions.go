package main

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/caffeineduck/pynode/internal/logging"
	"github.com/caffeineduck/pynode/session"
	"github.com/rs/xid"
)

var errTooManySessions = errors.New("too many sessions")

type sessionManager struct {
	factory session.Factory
	opts    session.Options
	logger  *slog.Logger
	max     int

	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
	quit     chan struct{}
	once     sync.Once
}

type serverSession struct {
	ctrl     *session.Controller
	lastUsed time.Time
}

func newSessionManager(factory session.Factory, opts session.Options, ttl time.Duration, max int, logger *slog.Logger) *sessionManager {
	sm := &sessionManager{
		factory:  factory,
		opts:     opts,
		logger:   logger,
		max:      max,
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		quit:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

// create starts a session. A worker that fails to start still yields a
// session: its snapshot carries the load failure and restart retries.
func (sm *sessionManager) create() (string, *session.Controller, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return "", nil, errTooManySessions
	}

	id := xid.New().String()
	opts := sm.opts
	opts.Logger = logging.WithSession(sm.logger, id)
	ctrl := session.New(sm.factory, opts)
	if err := ctrl.Start(); err != nil {
		sm.logger.Warn("session start failed", "session", id, "error", err)
	}

	sm.sessions[id] = &serverSession{
		ctrl:     ctrl,
		lastUsed: time.Now(),
	}
	sm.logger.Info("session created", "session", id)
	return id, ctrl, nil
}

func (sm *sessionManager) get(id string) (*session.Controller, bool) {
	sm.mu.RLock()
	ss, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, false
	}

	sm.mu.Lock()
	ss.lastUsed = time.Now()
	sm.mu.Unlock()
	return ss.ctrl, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if ok {
		ss.ctrl.Close()
		sm.logger.Info("session closed", "session", id)
	}
	return ok
}

func (sm *sessionManager) count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *sessionManager) cleanup() {
	interval := time.Minute
	if sm.ttl < interval {
		interval = sm.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.quit:
			return
		case <-ticker.C:
			sm.expire(time.Now())
		}
	}
}

// expire closes sessions idle for longer than the TTL, except those with a
// run in progress.
func (sm *sessionManager) expire(now time.Time) {
	var expired []*session.Controller

	sm.mu.Lock()
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) <= sm.ttl || ss.ctrl.Snapshot().Running() {
			continue
		}
		expired = append(expired, ss.ctrl)
		delete(sm.sessions, id)
		sm.logger.Info("session expired", "session", id)
	}
	sm.mu.Unlock()

	for _, ctrl := range expired {
		ctrl.Close()
	}
}

func (sm *sessionManager) closeAll() {
	sm.once.Do(func() { close(sm.quit) })

	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()

	for _, ss := range all {
		ss.ctrl.Close()
	}
}
