package app

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sweater-ventures/courier/metrics"
)

// ClientTransport is the handle the registry sends through. Closed must
// report true as soon as the underlying connection is gone.
type ClientTransport interface {
	Send(ctx context.Context, frame []byte) error
	Close() error
	Closed() bool
}

// ConnectionRecord describes one attached realtime client.
type ConnectionRecord struct {
	ClientID     string          `json:"clientId"`
	Transport    ClientTransport `json:"-"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastSeenAt   time.Time       `json:"lastSeenAt"`
	Capabilities []string        `json:"capabilities"`
}

// HasCapability reports whether the client announced capability.
func (r ConnectionRecord) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

// ConnectionRegistry owns the set of attached clients.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	records map[string]*ConnectionRecord
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewConnectionRegistry(timeout time.Duration) *ConnectionRegistry {
	return &ConnectionRegistry{
		records: make(map[string]*ConnectionRecord),
		timeout: timeout,
		now:     time.Now,
		logger:  slog.Default().With("component", "connections"),
	}
}

// Attach registers transport under clientID. An existing record for the
// same client is replaced and its transport closed.
func (r *ConnectionRegistry) Attach(clientID string, transport ClientTransport, capabilities []string) ConnectionRecord {
	now := r.now()
	rec := &ConnectionRecord{
		ClientID:     clientID,
		Transport:    transport,
		ConnectedAt:  now,
		LastSeenAt:   now,
		Capabilities: slices.Clone(capabilities),
	}

	r.mu.Lock()
	prev := r.records[clientID]
	r.records[clientID] = rec
	count := len(r.records)
	r.mu.Unlock()

	metrics.RealtimeConnections.Set(float64(count))
	if prev != nil && prev.Transport != transport {
		r.logger.Info("Replacing existing client connection", "client_id", clientID)
		_ = prev.Transport.Close()
	}
	r.logger.Info("Client attached", "client_id", clientID, "capabilities", capabilities)
	return *rec
}

// Detach removes clientID and closes its transport. It reports whether a
// record was removed.
func (r *ConnectionRegistry) Detach(clientID string) bool {
	return r.detachIf(clientID, nil)
}

// DetachTransport removes clientID only while it is still bound to
// transport, so a stale reader cannot evict a newer connection.
func (r *ConnectionRegistry) DetachTransport(clientID string, transport ClientTransport) bool {
	return r.detachIf(clientID, transport)
}

func (r *ConnectionRegistry) detachIf(clientID string, transport ClientTransport) bool {
	r.mu.Lock()
	rec, ok := r.records[clientID]
	if !ok || (transport != nil && rec.Transport != transport) {
		r.mu.Unlock()
		return false
	}
	delete(r.records, clientID)
	count := len(r.records)
	r.mu.Unlock()

	metrics.RealtimeConnections.Set(float64(count))
	_ = rec.Transport.Close()
	r.logger.Info("Client detached", "client_id", clientID)
	return true
}

// Touch marks activity from clientID.
func (r *ConnectionRegistry) Touch(clientID string) {
	r.mu.Lock()
	if rec, ok := r.records[clientID]; ok {
		rec.LastSeenAt = r.now()
	}
	r.mu.Unlock()
}

// Get returns the record for clientID if it is live.
func (r *ConnectionRegistry) Get(clientID string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[clientID]
	if !ok || rec.Transport.Closed() {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// Live returns a snapshot of every record whose transport is still open.
func (r *ConnectionRegistry) Live() []ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Transport.Closed() {
			continue
		}
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b ConnectionRecord) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return out
}

// Count returns the number of live clients.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if !rec.Transport.Closed() {
			n++
		}
	}
	return n
}

// Reap detaches clients whose transport closed or that have been idle
// longer than the timeout. It returns the detached client ids.
func (r *ConnectionRegistry) Reap() []string {
	cutoff := r.now().Add(-r.timeout)

	r.mu.RLock()
	var stale []*ConnectionRecord
	for _, rec := range r.records {
		if rec.Transport.Closed() || (r.timeout > 0 && rec.LastSeenAt.Before(cutoff)) {
			stale = append(stale, rec)
		}
	}
	r.mu.RUnlock()

	var reaped []string
	for _, rec := range stale {
		if r.detachIf(rec.ClientID, rec.Transport) {
			reaped = append(reaped, rec.ClientID)
		}
	}
	if len(reaped) > 0 {
		r.logger.Info("Reaped idle clients", "clients", reaped)
	}
	return reaped
}

// Run reaps on a fixed interval until ctx ends.
func (r *ConnectionRegistry) Run(ctx context.Context) error {
	interval := r.timeout / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Reap()
		}
	}
}

// CloseAll detaches every client.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Detach(id)
	}
}
