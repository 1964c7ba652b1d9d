// Package topology implements NodeSync and the spanning-tree bookkeeping
// (spec.md §4.E): periodic and on-attach sub-tree exchange, duplicate-id
// resolution, and the attach/detach/changed callbacks.
//
// Grounded on the teacher's pkg/mcast/protocol.go Unity.processGMCast /
// processCompute two-phase exchange (broadcast a view, wait for peer
// replies, reconcile), generalized from a quorum vote to a pairwise
// sub-tree replace-and-reconcile between each connection and the table.
package topology

import (
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/routing"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

// Callbacks bundles the façade-level notifications topology fires.
type Callbacks struct {
	NewConnection       func(*framing.Connection)
	DroppedConnection   func(*framing.Connection)
	ChangedConnections  func()
}

// Topology owns NodeSync and the root/containsRoot flags.
type Topology struct {
	table    *routing.Table
	router   *router.Router
	registry *pkghandler.Registry
	sched    scheduler.Scheduler
	log      logging.Logger
	self     wire.NodeID
	attach   *routing.AttachTimes
	gate     *framing.DeletionGate
	cb       Callbacks

	isRoot    bool
	knownRoot *wire.NodeID
	rootConn  *framing.Connection

	lastNodeSet map[wire.NodeID]struct{}
}

// New builds a Topology and registers its NodeSync handlers.
func New(table *routing.Table, r *router.Router, registry *pkghandler.Registry,
	sched scheduler.Scheduler, gate *framing.DeletionGate, log logging.Logger, self wire.NodeID, cb Callbacks) *Topology {

	t := &Topology{
		table:       table,
		router:      r,
		registry:    registry,
		sched:       sched,
		gate:        gate,
		log:         log,
		self:        self,
		attach:      routing.NewAttachTimes(),
		cb:          cb,
		lastNodeSet: make(map[wire.NodeID]struct{}),
	}
	registry.On(wire.TypeNodeSyncRequest, t.handleNodeSync)
	registry.On(wire.TypeNodeSyncReply, t.handleNodeSync)
	return t
}

// SetRoot marks or unmarks this node as the mesh root.
func (t *Topology) SetRoot(isRoot bool) {
	t.isRoot = isRoot
	if isRoot {
		self := t.self
		t.knownRoot = &self
	}
}

// IsRoot reports whether this node is the designated mesh root.
func (t *Topology) IsRoot() bool { return t.isRoot }

// ContainsRoot reports whether this node's sub-tree (including itself)
// contains the mesh root.
func (t *Topology) ContainsRoot() bool { return t.knownRoot != nil }

// RootID returns the known root, if any.
func (t *Topology) RootID() (wire.NodeID, bool) {
	if t.knownRoot == nil {
		return wire.InvalidNodeID, false
	}
	return *t.knownRoot, true
}

// Connections returns every attached, non-closed connection, for
// consumers that need to address peers directly (e.g. timesync's cascade).
func (t *Topology) Connections() []*framing.Connection {
	return t.table.Connections()
}

// Attach registers a newly established connection and immediately requests
// its sub-tree. Called by the mesh façade right after a peer's framing
// connection is constructed (both accepted and initiated directions).
func (t *Topology) Attach(conn *framing.Connection) {
	t.table.Attach(conn)
	t.attach.Record(conn)
	t.sched.AddOnce(0, func() {
		t.requestSync(conn)
	})
}

// Detach removes conn from the routing table and fires droppedConnection
// exactly once. Called by the mesh façade when a Connection transitions
// to closed.
func (t *Topology) Detach(conn *framing.Connection) {
	hadID := conn.NodeID.Valid()
	t.table.Detach(conn)
	t.attach.Forget(conn)
	if hadID && t.cb.DroppedConnection != nil {
		t.cb.DroppedConnection(conn)
	}
	t.recomputeChanged()
}

// StartPeriodic schedules the recurring full NodeSync exchange with every
// peer (spec.md §4.E, default 30s, shared with the TimeSyncInterval
// cadence in practice but tracked independently here).
func (t *Topology) StartPeriodic(interval time.Duration) scheduler.Handle {
	return t.sched.AddPeriodic(interval, func() {
		for _, c := range t.table.Connections() {
			t.requestSync(c)
		}
	})
}

func (t *Topology) requestSync(conn *framing.Connection) {
	root := t.ownSubTreeExcluding(conn)
	pkg := &wire.NodeSyncPackage{
		Header:  wire.Header{Type: wire.TypeNodeSyncRequest, From: t.self, Routing: wire.RoutingNeighbour},
		Root:    root,
		RootID:  t.knownRoot,
		Version: wire.ProtocolVersion,
	}
	if err := t.router.TransmitNeighbour(conn, pkg, false); err != nil {
		t.log.Debugf("nodeSync request to %s failed: %v", conn.NodeID, err)
	}
}

// ownSubTreeExcluding builds the sub-tree rooted at this node as seen by
// `exclude` — i.e. every other connection's sub-tree, never looping a
// peer's own branch back to it.
func (t *Topology) ownSubTreeExcluding(exclude *framing.Connection) wire.SubTreeNode {
	root := wire.SubTreeNode{NodeID: t.self}
	for _, c := range t.table.Connections() {
		if c == exclude || !c.NodeID.Valid() {
			continue
		}
		root.Subs = append(root.Subs, c.SubTree)
	}
	return root
}

func (t *Topology) handleNodeSync(v wire.Variant, conn *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.NodeSyncPackage)
	if !ok {
		return true
	}

	firstTime := !conn.NodeID.Valid()
	if firstTime {
		if err := wire.CompatibleVersion(pkg.Version); err != nil {
			t.log.Warnf("nodeSync from %s rejected: %v", pkg.From, err)
			conn.ScheduleDestroy(t.sched, t.gate)
			return true
		}
		conn.NodeID = pkg.Root.NodeID
	}
	conn.SubTree = pkg.Root

	t.mergeRoot(pkg.RootID, conn)
	t.resolveDuplicates(conn)

	if pkg.Header.Type == wire.TypeNodeSyncRequest {
		reply := &wire.NodeSyncPackage{
			Header:  wire.Header{Type: wire.TypeNodeSyncReply, From: t.self, Routing: wire.RoutingNeighbour},
			Root:    t.ownSubTreeExcluding(conn),
			RootID:  t.knownRoot,
			Version: wire.ProtocolVersion,
		}
		if err := t.router.TransmitNeighbour(conn, reply, false); err != nil {
			t.log.Debugf("nodeSync reply to %s failed: %v", conn.NodeID, err)
		}
	}

	if firstTime && conn.NodeID.Valid() && t.cb.NewConnection != nil {
		t.cb.NewConnection(conn)
	}
	t.recomputeChanged()
	return true
}

func (t *Topology) mergeRoot(peerRoot *wire.NodeID, via *framing.Connection) {
	if t.isRoot || peerRoot == nil {
		return
	}
	t.knownRoot = peerRoot
	t.rootConn = via
}

// AuthorityConnection returns the connection through which this node
// should synchronise its clock (spec.md §4.F): toward the root if known,
// else toward the peer with the lowest NodeID. Returns nil if this node
// is itself the authority (it is root, or it has the lowest id known).
func (t *Topology) AuthorityConnection() *framing.Connection {
	if t.isRoot {
		return nil
	}
	if t.rootConn != nil && !t.rootConn.Closed() {
		return t.rootConn
	}
	lowest := t.self
	var lowestConn *framing.Connection
	for _, c := range t.table.Connections() {
		if c.NodeID.Valid() && c.NodeID < lowest {
			lowest = c.NodeID
			lowestConn = c
		}
	}
	return lowestConn
}

// resolveDuplicates drops the older-attached connection whenever conn's
// newly advertised sub-tree collides with any id already claimed by
// another connection (spec.md §3, §4.E, §7).
func (t *Topology) resolveDuplicates(conn *framing.Connection) {
	ids := conn.SubTree.Flatten()
	dropped := make(map[*framing.Connection]struct{})
	for _, id := range ids {
		if !id.Valid() || id == t.self {
			continue
		}
		other, ok := t.table.OwnerOf(id, conn)
		if !ok {
			continue
		}
		if _, already := dropped[other]; already {
			continue
		}
		older := t.attach.Older(conn, other)
		if older == other {
			dropped[other] = struct{}{}
		} else {
			dropped[conn] = struct{}{}
		}
	}
	for c := range dropped {
		t.log.Infof("duplicate node id detected, dropping older connection %s", c.NodeID)
		t.table.Detach(c)
		t.attach.Forget(c)
		c.ScheduleDestroy(t.sched, t.gate)
		if t.cb.DroppedConnection != nil {
			t.cb.DroppedConnection(c)
		}
	}
}

func (t *Topology) recomputeChanged() {
	current := t.table.NodeList(true)
	currentSet := make(map[wire.NodeID]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	if len(currentSet) != len(t.lastNodeSet) {
		t.fireChanged(currentSet)
		return
	}
	for id := range currentSet {
		if _, ok := t.lastNodeSet[id]; !ok {
			t.fireChanged(currentSet)
			return
		}
	}
}

func (t *Topology) fireChanged(set map[wire.NodeID]struct{}) {
	t.lastNodeSet = set
	if t.cb.ChangedConnections != nil {
		t.cb.ChangedConnections()
	}
}
