package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sweater-ventures/courier/metrics"
)

type TunnelState string

const (
	TunnelDisconnected TunnelState = "disconnected"
	TunnelConnecting   TunnelState = "connecting"
	TunnelActive       TunnelState = "active"
	TunnelDegraded     TunnelState = "degraded"
	TunnelDead         TunnelState = "dead"
)

// tunnelTransitions lists every legal state change. Connecting to
// Connecting moves on to the next provider.
var tunnelTransitions = map[TunnelState][]TunnelState{
	TunnelDisconnected: {TunnelConnecting},
	TunnelConnecting:   {TunnelConnecting, TunnelActive, TunnelDisconnected},
	TunnelActive:       {TunnelDegraded, TunnelDead, TunnelDisconnected},
	TunnelDegraded:     {TunnelActive, TunnelConnecting, TunnelDead, TunnelDisconnected},
	TunnelDead:         {TunnelConnecting, TunnelDisconnected},
}

func canTransition(from, to TunnelState) bool {
	return slices.Contains(tunnelTransitions[from], to)
}

// TunnelSession is the current public identity of the origin.
type TunnelSession struct {
	Provider      string      `json:"provider,omitempty"`
	PublicURL     string      `json:"publicUrl,omitempty"`
	EstablishedAt time.Time   `json:"establishedAt,omitzero"`
	State         TunnelState `json:"state"`
	MissedChecks  int         `json:"missedChecks"`
	LastError     string      `json:"lastError,omitempty"`
}

// TunnelProvider establishes a public mapping for a local address.
type TunnelProvider interface {
	Name() string
	Connect(ctx context.Context, localAddr string) (TunnelConn, error)
}

// TunnelConn is an established tunnel. Done is closed when the provider
// loses the session on its own.
type TunnelConn interface {
	PublicURL() string
	Healthy(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

type TunnelPolicy struct {
	ConnectTimeout time.Duration
	HealthInterval time.Duration
	MaxMissed      int
	Cooldown       time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// NewServerPayload announces the public address after every activation.
type NewServerPayload struct {
	URL      string `json:"url"`
	Provider string `json:"provider"`
}

var errRotated = errors.New("tunnel attempt rotated")

type superviseResult int

const (
	superviseStop superviseResult = iota
	superviseReconnect
	superviseRotate
)

// TunnelManager keeps one tunnel session alive across provider failures.
// Run owns every transition; other methods only read or signal.
type TunnelManager struct {
	providers []TunnelProvider
	localAddr string
	policy    TunnelPolicy
	publish   func(Event)
	logger    *slog.Logger

	mu            sync.Mutex
	session       TunnelSession
	next          int
	cooldowns     map[string]time.Time
	attemptCancel context.CancelFunc
	rotate        chan struct{}
}

func NewTunnelManager(providers []TunnelProvider, localAddr string, policy TunnelPolicy, publish func(Event)) *TunnelManager {
	if policy.MaxMissed <= 0 {
		policy.MaxMissed = 1
	}
	if policy.HealthInterval <= 0 {
		policy.HealthInterval = 30 * time.Second
	}
	if policy.ConnectTimeout <= 0 {
		policy.ConnectTimeout = 30 * time.Second
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = 2 * time.Second
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	if publish == nil {
		publish = func(Event) {}
	}
	return &TunnelManager{
		providers: providers,
		localAddr: localAddr,
		policy:    policy,
		publish:   publish,
		logger:    slog.Default().With("component", "tunnel"),
		session:   TunnelSession{State: TunnelDisconnected},
		cooldowns: make(map[string]time.Time),
		rotate:    make(chan struct{}, 1),
	}
}

// Session returns a snapshot of the current session.
func (m *TunnelManager) Session() TunnelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Rotate abandons the in-progress attempt, or tears down the active session,
// and moves on to the next provider.
func (m *TunnelManager) Rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	select {
	case m.rotate <- struct{}{}:
	default:
	}
}

// Run drives the session until ctx ends. Failing to reach any provider is
// reported and retried, never returned.
func (m *TunnelManager) Run(ctx context.Context) error {
	if len(m.providers) == 0 {
		m.logger.Info("No tunnel providers configured, staying local only")
		return nil
	}
	defer m.transition(TunnelDisconnected, "", "", nil)

	failures := 0
	for ctx.Err() == nil {
		conn, idx, err := m.connectNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := calculateBackoff(failures, m.policy.BaseBackoff, m.policy.MaxBackoff)
			failures++
			m.logger.Warn("No tunnel provider available", "retry_in", delay, "error", err)
			m.report(err)
			if !m.sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0

		retried := false
		for conn != nil {
			m.activate(idx, conn)
			result := m.supervise(ctx, conn, retried)
			_ = conn.Close()
			conn = nil

			switch result {
			case superviseStop:
				return nil
			case superviseRotate:
				m.advance(idx + 1)
			case superviseReconnect:
				p := m.providers[idx]
				m.logger.Info("Reconnecting tunnel provider", "provider", p.Name())
				conn, err = m.attempt(ctx, p)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if !errors.Is(err, errRotated) {
						m.fail(p, err)
					}
					m.advance(idx + 1)
				}
				retried = true
			}
		}
	}
	return nil
}

// connectNext tries each provider once, starting at the rotation cursor and
// skipping providers that are cooling down. When every provider is cooling
// down, the one whose cooldown ends first is tried anyway so the session
// never sits in Dead waiting for a timer.
func (m *TunnelManager) connectNext(ctx context.Context) (TunnelConn, int, error) {
	m.mu.Lock()
	start := m.next
	m.mu.Unlock()

	var errs []error
	try := func(idx int) (TunnelConn, error) {
		p := m.providers[idx]
		conn, err := m.attempt(ctx, p)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errRotated) {
			m.logger.Info("Tunnel attempt rotated", "provider", p.Name())
			return nil, nil
		}
		m.fail(p, err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		return nil, nil
	}

	attempted := false
	n := len(m.providers)
	for i := range n {
		idx := (start + i) % n
		p := m.providers[idx]
		if until, cooling := m.coolingDown(p.Name()); cooling {
			m.logger.Debug("Skipping tunnel provider in cooldown", "provider", p.Name(), "until", until)
			continue
		}
		attempted = true
		conn, err := try(idx)
		if err != nil {
			return nil, 0, err
		}
		if conn != nil {
			return conn, idx, nil
		}
	}

	if !attempted {
		idx := m.soonestCooldown()
		m.logger.Info("Every tunnel provider is cooling down, trying the first to recover", "provider", m.providers[idx].Name())
		conn, err := try(idx)
		if err != nil {
			return nil, 0, err
		}
		if conn != nil {
			return conn, idx, nil
		}
	}
	return nil, 0, errors.Join(append([]error{ErrNoProviders}, errs...)...)
}

// soonestCooldown returns the index of the provider whose cooldown ends
// first.
func (m *TunnelManager) soonestCooldown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := 0
	var bestUntil time.Time
	for i, p := range m.providers {
		until := m.cooldowns[p.Name()]
		if i == 0 || until.Before(bestUntil) {
			best, bestUntil = i, until
		}
	}
	return best
}

func (m *TunnelManager) attempt(ctx context.Context, p TunnelProvider) (TunnelConn, error) {
	m.transition(TunnelConnecting, p.Name(), "", nil)

	attemptCtx, cancel := context.WithTimeout(ctx, m.policy.ConnectTimeout)
	defer cancel()
	m.mu.Lock()
	m.attemptCancel = cancel
	// A rotate signalled before this attempt started is consumed here.
	select {
	case <-m.rotate:
	default:
	}
	m.mu.Unlock()

	conn, err := p.Connect(attemptCtx, m.localAddr)

	m.mu.Lock()
	m.attemptCancel = nil
	m.mu.Unlock()

	if err != nil {
		if errors.Is(attemptCtx.Err(), context.Canceled) && ctx.Err() == nil {
			return nil, errRotated
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, &TransientTransportError{Op: "connect " + p.Name(), Err: fmt.Errorf("no session within %s: %w", m.policy.ConnectTimeout, err)}
		}
		return nil, err
	}
	if conn.PublicURL() == "" {
		_ = conn.Close()
		return nil, &PermanentRejectionError{Op: "connect " + p.Name(), Err: errors.New("provider returned no public url")}
	}
	return conn, nil
}

func (m *TunnelManager) activate(idx int, conn TunnelConn) {
	p := m.providers[idx]
	m.mu.Lock()
	m.next = idx
	delete(m.cooldowns, p.Name())
	m.mu.Unlock()

	if m.transition(TunnelActive, p.Name(), conn.PublicURL(), nil) {
		m.logger.Info("Tunnel active", "provider", p.Name(), "url", conn.PublicURL())
	}
}

// supervise health-checks conn until the session must end. A session that
// was already reconnected and misses again without a healthy check in
// between is declared dead so the next provider gets a turn.
func (m *TunnelManager) supervise(ctx context.Context, conn TunnelConn, retried bool) superviseResult {
	ticker := time.NewTicker(m.policy.HealthInterval)
	defer ticker.Stop()

	name := m.Session().Provider
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return superviseStop
		case <-m.rotate:
			m.logger.Info("Tearing down tunnel for rotation", "provider", name)
			m.transition(TunnelDead, name, "", errRotated)
			return superviseRotate
		case <-conn.Done():
			m.logger.Warn("Tunnel session lost", "provider", name)
			m.mu.Lock()
			m.cooldowns[name] = time.Now().Add(m.policy.Cooldown)
			m.mu.Unlock()
			m.transition(TunnelDead, name, "", errors.New("session closed by provider"))
			return superviseRotate
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, m.policy.ConnectTimeout)
			err := conn.Healthy(checkCtx)
			cancel()
			if ctx.Err() != nil {
				return superviseStop
			}
			if err == nil {
				if missed > 0 {
					m.logger.Info("Tunnel recovered", "provider", name, "missed", missed)
					m.transition(TunnelActive, name, conn.PublicURL(), nil)
				}
				missed = 0
				retried = false
				continue
			}

			missed++
			m.mu.Lock()
			m.session.MissedChecks = missed
			m.mu.Unlock()
			m.logger.Warn("Tunnel health check failed", "provider", name, "missed", missed, "error", err)
			if missed == 1 {
				m.transition(TunnelDegraded, name, conn.PublicURL(), err)
			}
			if missed < m.policy.MaxMissed {
				continue
			}
			if !retried {
				return superviseReconnect
			}
			m.mu.Lock()
			m.cooldowns[name] = time.Now().Add(m.policy.Cooldown)
			m.mu.Unlock()
			m.transition(TunnelDead, name, "", fmt.Errorf("%d consecutive health checks failed: %w", missed, err))
			return superviseRotate
		}
	}
}

// transition applies a state change if the table allows it.
func (m *TunnelManager) transition(to TunnelState, provider, url string, cause error) bool {
	m.mu.Lock()
	from := m.session.State
	if !canTransition(from, to) {
		m.mu.Unlock()
		if from != to {
			m.logger.Error("Rejected tunnel state transition", "from", from, "to", to, "provider", provider)
		}
		return false
	}
	next := TunnelSession{State: to, Provider: provider}
	switch to {
	case TunnelActive:
		next.PublicURL = url
		next.EstablishedAt = m.session.EstablishedAt
		if from != TunnelDegraded || m.session.PublicURL != url {
			next.EstablishedAt = time.Now().UTC()
		}
	case TunnelDegraded:
		next.PublicURL = m.session.PublicURL
		next.EstablishedAt = m.session.EstablishedAt
		next.MissedChecks = m.session.MissedChecks
	}
	if cause != nil {
		next.LastError = cause.Error()
	}
	m.session = next
	m.mu.Unlock()

	metrics.SetTunnelState(string(to))
	metrics.TunnelTransitionsTotal.WithLabelValues(provider, string(to)).Inc()
	m.logger.Debug("Tunnel state changed", "from", from, "to", to, "provider", provider)

	m.publish(MustEvent(KindTunnelStateChanged, next))
	if to == TunnelActive {
		m.publish(MustEvent(KindNewServer, NewServerPayload{URL: url, Provider: provider}))
	}
	return true
}

// report surfaces a failed rotation without changing state.
func (m *TunnelManager) report(err error) {
	m.mu.Lock()
	m.session.LastError = err.Error()
	snapshot := m.session
	m.mu.Unlock()
	m.publish(MustEvent(KindTunnelStateChanged, snapshot))
}

func (m *TunnelManager) fail(p TunnelProvider, err error) {
	m.logger.Warn("Tunnel provider failed", "provider", p.Name(), "cooldown", m.policy.Cooldown, "error", err)
	m.mu.Lock()
	m.cooldowns[p.Name()] = time.Now().Add(m.policy.Cooldown)
	m.mu.Unlock()
}

func (m *TunnelManager) advance(idx int) {
	m.mu.Lock()
	m.next = idx % len(m.providers)
	m.mu.Unlock()
}

func (m *TunnelManager) coolingDown(name string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.cooldowns[name]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().After(until) {
		delete(m.cooldowns, name)
		return time.Time{}, false
	}
	return until, true
}

// sleep waits d, returning early on rotate. It reports false when ctx ends.
func (m *TunnelManager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-m.rotate:
		m.mu.Lock()
		clear(m.cooldowns)
		m.mu.Unlock()
	}
	return true
}
