// Package routing maintains the mesh's routing table: the union of
// per-connection sub-trees plus the local node id (spec.md §3, §4.D).
//
// Grounded on the teacher's pkg/mcast/protocol.go GroupState/Nodes model
// (a flat list of known peers consulted for fan-out), generalized from a
// fixed membership list to a forest of sub-trees rooted at each directly
// connected peer, per spec.md §9's "arena/forest" design note.
package routing

import (
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/wire"
)

// Table is the routing table: one entry per live Connection, each
// contributing the sub-tree reachable through it.
type Table struct {
	Self  wire.NodeID
	conns []*framing.Connection
}

// NewTable builds an empty table for the given local node id.
func NewTable(self wire.NodeID) *Table {
	return &Table{Self: self}
}

// Attach adds c to the table. c.NodeID may still be zero; it becomes
// routable once NodeSync assigns it.
func (t *Table) Attach(c *framing.Connection) {
	t.conns = append(t.conns, c)
}

// Detach removes c from the table.
func (t *Table) Detach(c *framing.Connection) {
	for i, existing := range t.conns {
		if existing == c {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			return
		}
	}
}

// Connections returns every attached, non-closed connection.
func (t *Table) Connections() []*framing.Connection {
	out := make([]*framing.Connection, 0, len(t.conns))
	for _, c := range t.conns {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// AllConnections returns every attached connection, including closed ones
// still pending deferred deletion.
func (t *Table) AllConnections() []*framing.Connection {
	return append([]*framing.Connection(nil), t.conns...)
}

// NextHop returns the connection through which dest is reachable: dest
// itself if it is a direct peer, or the connection whose sub-tree contains
// it. Reports ok=false if dest is unknown (spec.md §4.D).
func (t *Table) NextHop(dest wire.NodeID) (*framing.Connection, bool) {
	for _, c := range t.Connections() {
		if c.NodeID == dest {
			return c, true
		}
		for _, id := range c.SubTree.Flatten() {
			if id == dest {
				return c, true
			}
		}
	}
	return nil, false
}

// Contains reports whether id is reachable anywhere in the table (a direct
// peer or within some peer's sub-tree), or is the local node.
func (t *Table) Contains(id wire.NodeID) bool {
	if id == t.Self {
		return true
	}
	_, ok := t.NextHop(id)
	return ok
}

// NodeList returns every NodeID reachable through the table, self included
// if requested (spec.md §4.I getNodeList).
func (t *Table) NodeList(includeSelf bool) []wire.NodeID {
	seen := make(map[wire.NodeID]struct{})
	for _, c := range t.Connections() {
		if c.NodeID.Valid() {
			seen[c.NodeID] = struct{}{}
		}
		for _, id := range c.SubTree.Flatten() {
			if id.Valid() {
				seen[id] = struct{}{}
			}
		}
	}
	if includeSelf {
		seen[t.Self] = struct{}{}
	}
	out := make([]wire.NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// OwnerOf returns the connection (other than exclude) that currently
// claims nodeId anywhere in its sub-tree or as its own id, used for
// duplicate-peer detection (spec.md §4.E).
func (t *Table) OwnerOf(nodeID wire.NodeID, exclude *framing.Connection) (*framing.Connection, bool) {
	for _, c := range t.Connections() {
		if c == exclude {
			continue
		}
		if c.NodeID == nodeID {
			return c, true
		}
		for _, id := range c.SubTree.Flatten() {
			if id == nodeID {
				return c, true
			}
		}
	}
	return nil, false
}

// AttachTimes records attach times in a side map, kept by topology, so
// "older by attach time" duplicate resolution (spec.md §4.E, §7) can be
// decided without adding a field every other package must thread through.
type AttachTimes struct {
	times map[*framing.Connection]time.Time
}

// NewAttachTimes builds an empty tracker.
func NewAttachTimes() *AttachTimes {
	return &AttachTimes{times: make(map[*framing.Connection]time.Time)}
}

// Record stamps c's attach time as now, if not already recorded.
func (a *AttachTimes) Record(c *framing.Connection) {
	if _, ok := a.times[c]; !ok {
		a.times[c] = time.Now()
	}
}

// Forget drops c's recorded attach time.
func (a *AttachTimes) Forget(c *framing.Connection) {
	delete(a.times, c)
}

// Older returns the connection among x and y that attached first.
func (a *AttachTimes) Older(x, y *framing.Connection) *framing.Connection {
	tx, ty := a.times[x], a.times[y]
	if tx.IsZero() || ty.IsZero() {
		return x
	}
	if tx.Before(ty) {
		return x
	}
	return y
}
