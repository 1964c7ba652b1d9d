// Package bridge implements the five cooperating bridge modules of
// spec.md §4.H: status broadcast, election, multi-bridge coordination, the
// sendToInternet RPC, and the offline message queue.
//
// Grounded on other_examples/prometheus-alertmanager's cluster package for
// the gossip-status-with-expiry registry shape (peer status broadcast,
// staleness-timeout eviction) and on other_examples/DavyLandman-espnow-bridge
// and jangala-dev-devicecode-go for the internet-egress RPC shape.
package bridge

import (
	"time"

	"github.com/prometheus/common/model"

	"github.com/wireweave/mesh/internal/wire"
)

// Role is a bridge's advertised coordination role (spec.md §4.H.3).
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleStandby   Role = "standby"
)

// Status is one bridge's last-known advertised state, kept by every node
// (bridge or not) in a Registry.
type Status struct {
	NodeID            wire.NodeID
	InternetConnected bool
	RouterRSSI        int
	RouterChannel     int
	UptimeMs          int64
	GatewayIP         string
	Priority          int
	Role              Role
	LoadPercent       float64
	PeerBridges       []wire.NodeID
	LastSeen          model.Time
}

// Healthy reports whether this bridge's entry is still within timeout.
func (s Status) Healthy(timeout time.Duration) bool {
	return time.Since(s.LastSeen.Time()) < timeout
}

// Registry tracks every bridge's last-advertised status, expiring stale
// entries lazily (spec.md §4.H.1: "expire stale entries after
// BridgeTimeout").
type Registry struct {
	timeout time.Duration
	entries map[wire.NodeID]Status
}

// NewRegistry builds an empty Registry.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout, entries: make(map[wire.NodeID]Status)}
}

// Upsert records or refreshes a bridge's status.
func (r *Registry) Upsert(s Status) {
	s.LastSeen = model.Now()
	r.entries[s.NodeID] = s
}

// Remove drops a bridge's entry (e.g. on explicit abdication).
func (r *Registry) Remove(id wire.NodeID) {
	delete(r.entries, id)
}

// Get returns a bridge's last-known status.
func (r *Registry) Get(id wire.NodeID) (Status, bool) {
	s, ok := r.entries[id]
	return s, ok
}

// Healthy returns every entry whose LastSeen is within BridgeTimeout,
// expiring (and dropping) stale ones as a side effect.
func (r *Registry) Healthy() []Status {
	var out []Status
	for id, s := range r.entries {
		if !s.Healthy(r.timeout) {
			delete(r.entries, id)
			continue
		}
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every tracked entry, healthy or not
// (spec.md §4.I getBridges()).
func (r *Registry) All() []Status {
	out := make([]Status, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	return out
}
