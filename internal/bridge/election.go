package bridge

import (
	"math/rand"
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

// ElectionPhase tracks a node's participation in a bridge election.
type ElectionPhase int

const (
	PhaseIdle ElectionPhase = iota
	PhaseCampaigning
)

// Candidacy is one campaigner's comparable tuple (spec.md §4.H.2):
// lexicographic (routerRssi desc, uptime desc, freeMemory desc, nodeId asc).
type Candidacy struct {
	NodeID     wire.NodeID
	RouterRSSI int
	UptimeMs   int64
	FreeMemory uint64
}

// Better reports whether c ranks ahead of other under the election tuple.
func (c Candidacy) Better(other Candidacy) bool {
	if c.RouterRSSI != other.RouterRSSI {
		return c.RouterRSSI > other.RouterRSSI
	}
	if c.UptimeMs != other.UptimeMs {
		return c.UptimeMs > other.UptimeMs
	}
	if c.FreeMemory != other.FreeMemory {
		return c.FreeMemory > other.FreeMemory
	}
	return c.NodeID < other.NodeID
}

// CandidacySource supplies this node's own live candidacy values.
type CandidacySource interface {
	RouterRSSI() int
	UptimeMs() int64
	FreeMemory() uint64
	HasRouterCredentials() bool
	VisibleRouterAP() bool
}

// Election owns H.2: monitoring, campaigning, and takeover.
type Election struct {
	self     wire.NodeID
	router   *router.Router
	registry *Registry
	sched    scheduler.Scheduler
	log      logging.Logger
	source   CandidacySource
	windowMin, windowMax time.Duration
	cooldown time.Duration

	phase        ElectionPhase
	best         Candidacy
	haveBest     bool
	cooldownUntil time.Time

	// OnWin fires when this node wins an election, after its takeover
	// broadcast. The façade's handler layers the bridge modules onto the
	// running node; the mesh is not stopped or re-initialised.
	OnWin func(reason string)
}

// NewElection builds an Election and registers its handlers.
func NewElection(self wire.NodeID, r *router.Router, pkgReg *pkghandler.Registry, reg *Registry,
	sched scheduler.Scheduler, log logging.Logger, source CandidacySource,
	windowMin, windowMax, cooldown time.Duration) *Election {

	e := &Election{
		self:      self,
		router:    r,
		registry:  reg,
		sched:     sched,
		log:       log,
		source:    source,
		windowMin: windowMin,
		windowMax: windowMax,
		cooldown:  cooldown,
	}
	pkgReg.On(wire.TypeBridgeElection, e.handleElection)
	pkgReg.On(wire.TypeBridgeTakeover, e.handleTakeover)
	return e
}

// StartMonitor schedules the periodic health check (spec.md §4.H.2: 30s
// period, 60s startup grace).
func (e *Election) StartMonitor(period, startupGrace time.Duration) scheduler.Handle {
	e.cooldownUntil = time.Now().Add(startupGrace)
	return e.sched.AddPeriodic(period, e.checkHealth)
}

func (e *Election) checkHealth() {
	if time.Now().Before(e.cooldownUntil) {
		return
	}
	if len(e.registry.Healthy()) > 0 {
		return
	}
	if !e.source.HasRouterCredentials() || !e.source.VisibleRouterAP() {
		return
	}
	e.Campaign()
}

// Campaign enters PhaseCampaigning, broadcasts this node's candidacy, and
// starts a randomised election window.
func (e *Election) Campaign() {
	if e.phase == PhaseCampaigning {
		return
	}
	if time.Now().Before(e.cooldownUntil) {
		return
	}
	e.phase = PhaseCampaigning
	e.best = Candidacy{
		NodeID:     e.self,
		RouterRSSI: e.source.RouterRSSI(),
		UptimeMs:   e.source.UptimeMs(),
		FreeMemory: e.source.FreeMemory(),
	}
	e.haveBest = true

	pkg := &wire.BridgeElectionPackage{
		Header:      wire.Header{Type: wire.TypeBridgeElection, From: e.self, Routing: wire.RoutingBroadcast},
		RouterRSSI:  e.best.RouterRSSI,
		UptimeMs:    e.best.UptimeMs,
		FreeMemory:  e.best.FreeMemory,
		TimestampUs: time.Now().UnixMicro(),
	}
	if err := e.router.TransmitBroadcast(pkg, nil); err != nil {
		e.log.Warnf("election broadcast failed: %v", err)
	}

	window := e.windowMin + time.Duration(rand.Int63n(int64(e.windowMax-e.windowMin)+1))
	e.sched.AddOnce(window, e.windowExpired)
}

func (e *Election) handleElection(v wire.Variant, _ *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.BridgeElectionPackage)
	if !ok {
		return true
	}
	c := Candidacy{
		NodeID:     pkg.Head().From,
		RouterRSSI: pkg.RouterRSSI,
		UptimeMs:   pkg.UptimeMs,
		FreeMemory: pkg.FreeMemory,
	}
	if !e.haveBest || c.Better(e.best) {
		e.best = c
		e.haveBest = true
	}
	if e.phase != PhaseCampaigning && time.Now().After(e.cooldownUntil) {
		// A peer started campaigning without us seeing a health gap yet;
		// track its window so the best candidacy heard is recorded. This
		// node's own candidacy is neither entered nor broadcast here, so it
		// does not win a window it joined this way.
		e.phase = PhaseCampaigning
		e.sched.AddOnce(e.windowMax, e.windowExpired)
	}
	return true
}

func (e *Election) windowExpired() {
	if e.phase != PhaseCampaigning {
		return
	}
	e.phase = PhaseIdle
	if !e.haveBest || e.best.NodeID != e.self {
		e.haveBest = false
		return
	}
	e.haveBest = false
	e.cooldownUntil = time.Now().Add(e.cooldown)

	pkg := &wire.BridgeTakeoverPackage{
		Header:      wire.Header{Type: wire.TypeBridgeTakeover, From: e.self, Routing: wire.RoutingBroadcast},
		Reason:      "election won",
		TimestampUs: time.Now().UnixMicro(),
	}
	if err := e.router.TransmitBroadcast(pkg, nil); err != nil {
		e.log.Warnf("takeover broadcast failed: %v", err)
	}
	if e.OnWin != nil {
		e.OnWin("election won")
	}
}

func (e *Election) handleTakeover(v wire.Variant, _ *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.BridgeTakeoverPackage)
	if !ok {
		return true
	}
	// Split-brain guard: if we are still campaigning, the higher NodeId
	// yields — see DESIGN.md's open-question decisions for why this departs
	// from spec.md §4.H.2's literal "lower NodeId yields" wording. A node
	// whose window has already expired does not yield: once it has won and
	// taken the bridge role, a later takeover leaves that role in place.
	if e.phase == PhaseCampaigning && pkg.Head().From < e.self {
		e.phase = PhaseIdle
		e.haveBest = false
		e.log.Infof("yielding bridge takeover to lower node id %s", pkg.Head().From)
	}
	e.cooldownUntil = time.Now().Add(e.cooldown)
	return true
}

// NotifyRoleChanged applies the oscillation guard after any role flip,
// bridge-to-node or node-to-bridge (spec.md §4.H.2).
func (e *Election) NotifyRoleChanged() {
	e.cooldownUntil = time.Now().Add(e.cooldown)
}
