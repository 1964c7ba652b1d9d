// Package timesync implements the four-timestamp SNTP-style exchange that
// gives every mesh node a shared monotonic meshTime (spec.md §4.F).
//
// Grounded on the teacher's pkg/mcast/core LogicalClock family (Tick/Tock/
// Leap on a per-peer logical clock) — generalized from a Lamport-style
// logical counter used for message ordering to a real microsecond offset
// applied to a physical monotonic clock.
package timesync

import (
	"sync"
	"time"

	"github.com/wireweave/mesh/internal/clock"
	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/topology"
	"github.com/wireweave/mesh/internal/wire"
)

// Stats is the last computed offset/delay pair, exposed for diagnostics
// (SPEC_FULL.md's getNodeTime() drift reporting supplement).
type Stats struct {
	OffsetUs int64
	DelayUs  int64
	At       time.Time
}

// Synchronizer owns the local clock offset and the sync exchange.
type Synchronizer struct {
	mu sync.Mutex

	clock    clock.Source
	topo     *topology.Topology
	router   *router.Router
	sched    scheduler.Scheduler
	log      logging.Logger
	self     wire.NodeID

	offsetUs int64
	lastStat Stats

	pendingT1 map[*framing.Connection]int64

	onAdjusted func(offsetUs int64)
}

// New builds a Synchronizer and registers its TimeSync handler.
func New(c clock.Source, topo *topology.Topology, r *router.Router, registry *pkghandler.Registry,
	sched scheduler.Scheduler, log logging.Logger, self wire.NodeID, onAdjusted func(int64)) *Synchronizer {

	s := &Synchronizer{
		clock:      c,
		topo:       topo,
		router:     r,
		sched:      sched,
		log:        log,
		self:       self,
		pendingT1:  make(map[*framing.Connection]int64),
		onAdjusted: onAdjusted,
	}
	registry.On(wire.TypeTimeSync, s.handle)
	return s
}

// MeshTime returns the current shared mesh clock, in microseconds.
func (s *Synchronizer) MeshTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.NowUs() + s.offsetUs
}

// LastStats returns the most recently computed offset/delay.
func (s *Synchronizer) LastStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStat
}

// StartPeriodic schedules the recurring upward sync (default 30s).
func (s *Synchronizer) StartPeriodic(interval time.Duration) scheduler.Handle {
	return s.sched.AddPeriodic(interval, s.syncUpward)
}

// SyncOnAttach triggers an immediate sync round right after a connection
// attaches (spec.md §4.F: "and on first attach").
func (s *Synchronizer) SyncOnAttach(conn *framing.Connection) {
	s.sched.AddOnce(0, func() {
		s.initiate(conn)
	})
}

func (s *Synchronizer) syncUpward() {
	conn := s.topo.AuthorityConnection()
	if conn == nil {
		return // we are the authority; nothing to synchronise toward
	}
	s.initiate(conn)
}

func (s *Synchronizer) initiate(conn *framing.Connection) {
	if conn.Closed() {
		return
	}
	t1 := s.clock.NowUs()
	s.mu.Lock()
	s.pendingT1[conn] = t1
	s.mu.Unlock()

	pkg := &wire.TimeSyncPackage{
		Header: wire.Header{Type: wire.TypeTimeSync, From: s.self, Routing: wire.RoutingNeighbour},
		T1:     t1,
	}
	if err := s.router.TransmitNeighbour(conn, pkg, false); err != nil {
		s.log.Debugf("timeSync request to %s failed: %v", conn.NodeID, err)
	}
}

func (s *Synchronizer) handle(v wire.Variant, conn *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.TimeSyncPackage)
	if !ok {
		return true
	}

	if !pkg.IsReply() {
		s.respondTo(pkg, conn)
		return true
	}

	s.mu.Lock()
	_, waiting := s.pendingT1[conn]
	delete(s.pendingT1, conn)
	s.mu.Unlock()
	if !waiting {
		return true
	}

	t4 := s.clock.NowUs()
	offset := ((*pkg.T2 - pkg.T1) + (*pkg.T3 - t4)) / 2
	delay := (t4 - pkg.T1) - (*pkg.T3 - *pkg.T2)

	s.mu.Lock()
	s.offsetUs += offset
	s.lastStat = Stats{OffsetUs: offset, DelayUs: delay, At: time.Now()}
	s.mu.Unlock()

	if s.onAdjusted != nil {
		s.onAdjusted(offset)
	}
	s.cascade(conn)
	return true
}

func (s *Synchronizer) respondTo(req *wire.TimeSyncPackage, conn *framing.Connection) {
	t2 := s.clock.NowUs()
	t3 := s.clock.NowUs()
	reply := &wire.TimeSyncPackage{
		Header: wire.Header{Type: wire.TypeTimeSync, From: s.self, Routing: wire.RoutingNeighbour},
		T1:     req.T1,
		T2:     &t2,
		T3:     &t3,
	}
	if err := s.router.TransmitNeighbour(conn, reply, false); err != nil {
		s.log.Debugf("timeSync reply to %s failed: %v", conn.NodeID, err)
	}
}

// cascade re-initiates sync with every connection that is not our own
// upward authority, so a freshly adjusted offset propagates toward
// children without waiting for their next periodic round (spec.md §4.F
// "cascade to sub-tree").
func (s *Synchronizer) cascade(authority *framing.Connection) {
	for _, c := range s.connectionsExcept(authority) {
		s.initiate(c)
	}
}

func (s *Synchronizer) connectionsExcept(exclude *framing.Connection) []*framing.Connection {
	var out []*framing.Connection
	for _, c := range s.topo.Connections() {
		if c != exclude {
			out = append(out, c)
		}
	}
	return out
}
