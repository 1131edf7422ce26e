package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
)

// State is one of the connection supervisor's four states.
type State string

const (
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
)

const slowPingThreshold = 15 * time.Second
const slowPingStreakLimit = 3
const maxReconnectAttempt = 10

// Supervisor maintains one logical session with the chat platform and
// enforces the readiness barrier every outbound-capable component must
// pass through. It owns the single reconnect task; concurrent reconnect
// requests collapse into that one task rather than spawning more.
type Supervisor struct {
	gw                Gateway
	heartbeatInterval time.Duration
	reconnectGrace    time.Duration
	onDM              func(InboundMessage)

	mu             sync.Mutex
	state          State
	attempt        int
	slowPingStreak int
	waiters        []chan bool

	reconnectReq chan struct{}

	// OnReady, if set, is invoked every time the supervisor transitions
	// into the ready state — both the first login and every successful
	// reconnect. Used to trigger a DM recovery pass.
	OnReady func()
}

// New builds a Supervisor around gw. onDM is invoked for every DM the
// adapter observes in real time.
func New(gw Gateway, heartbeatInterval, reconnectGrace time.Duration, onDM func(InboundMessage)) *Supervisor {
	return &Supervisor{
		gw:                gw,
		heartbeatInterval: heartbeatInterval,
		reconnectGrace:    reconnectGrace,
		onDM:              onDM,
		state:             StateStarting,
		reconnectReq:      make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run logs in once, then runs the heartbeat and reconnect loops until
// ctx is cancelled, at which point it transitions to stopping and
// closes the gateway.
func (s *Supervisor) Run(ctx context.Context, token string) error {
	s.gw.SetHandlers(Handlers{
		OnReady:       s.handleReady,
		OnError:       func(err error) { slog.Warn("platform error", "error", err); s.requestReconnect() },
		OnDisconnect:  func() { slog.Warn("platform disconnected"); s.requestReconnect() },
		OnInvalidated: s.handleInvalidated,
		OnDM:          s.onDM,
	})

	if err := s.gw.Login(ctx, token); err != nil {
		return fmt.Errorf("initial login: %w", err)
	}

	go s.heartbeatLoop(ctx)
	go s.reconnectLoop(ctx, token)

	<-ctx.Done()
	s.setState(StateStopping)
	s.wakeWaiters(false)
	return s.gw.Close()
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) handleReady() {
	s.mu.Lock()
	s.state = StateReady
	s.attempt = 0
	s.slowPingStreak = 0
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	slog.Info("platform connection ready")
	for _, w := range waiters {
		w <- true
	}
	if s.OnReady != nil {
		s.OnReady()
	}
}

func (s *Supervisor) handleInvalidated() {
	s.setState(StateStopping)
	s.wakeWaiters(false)
}

func (s *Supervisor) wakeWaiters(result bool) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w <- result
	}
}

// requestReconnect signals the reconnect loop. At most one request is
// queued: a request that arrives while one is already queued is dropped,
// and one that arrives during an in-flight reconnect runs after it.
func (s *Supervisor) requestReconnect() {
	s.mu.Lock()
	if s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	select {
	case s.reconnectReq <- struct{}{}:
	default:
	}
}

func (s *Supervisor) reconnectLoop(ctx context.Context, token string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnectReq:
			s.doReconnect(ctx, token)
		}
	}
}

func (s *Supervisor) doReconnect(ctx context.Context, token string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		if s.state == StateStopping {
			s.mu.Unlock()
			return
		}
		s.attempt++
		if s.attempt > maxReconnectAttempt {
			s.attempt = maxReconnectAttempt
		}
		attempt := s.attempt
		s.mu.Unlock()

		delay := time.Duration(events.BackoffMS(attempt)) * time.Millisecond
		slog.Info("reconnecting to platform", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := s.gw.Close(); err != nil {
			slog.Warn("close gateway before reconnect", "error", err)
		}
		if err := s.gw.Login(ctx, token); err != nil {
			slog.Warn("reconnect login failed", "error", err)
			continue
		}

		if s.waitReadyWithin(ctx, s.reconnectGrace) {
			return
		}
		slog.Warn("reconnect did not reach ready within grace window, retrying")
	}
}

// WaitUntilReady is the readiness barrier: returns true immediately if
// already ready, otherwise blocks until the next ready transition or
// timeout/stop.
func (s *Supervisor) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		return true
	}
	if s.state == StateStopping {
		s.mu.Unlock()
		return false
	}
	w := make(chan bool, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-w:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) waitReadyWithin(ctx context.Context, grace time.Duration) bool {
	return s.WaitUntilReady(ctx, grace)
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick(ctx)
		}
	}
}

func (s *Supervisor) heartbeatTick(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateReconnecting || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	notReady := s.state != StateReady
	s.mu.Unlock()

	if notReady {
		s.requestReconnect()
		return
	}

	rtt, err := s.gw.Ping(ctx)
	if err != nil {
		slog.Warn("heartbeat ping failed", "error", err)
		s.requestReconnect()
		return
	}

	s.mu.Lock()
	if rtt > slowPingThreshold {
		s.slowPingStreak++
	} else {
		s.slowPingStreak = 0
	}
	streak := s.slowPingStreak
	if streak >= slowPingStreakLimit {
		s.slowPingStreak = 0
	}
	s.mu.Unlock()

	if streak >= slowPingStreakLimit {
		slog.Warn("heartbeat saw 3 consecutive slow pings, forcing reconnect", "rtt", rtt)
		s.requestReconnect()
	}
}
