package bridge

import (
	"time"

	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

// Coordinator owns H.3: multi-bridge coordination broadcast and bridge
// selection strategy on non-bridge nodes.
type Coordinator struct {
	self     wire.NodeID
	router   *router.Router
	registry *Registry
	sched    scheduler.Scheduler
	log      logging.Logger
	strategy config.BridgeStrategy

	manualOverride *wire.NodeID
	roundRobinIdx  int

	// OnGatewayChanged fires whenever the selected bridge changes.
	OnGatewayChanged func(wire.NodeID, bool)

	lastSelected wire.NodeID
	haveSelected bool
}

// NewCoordinator builds a Coordinator and registers its handler.
func NewCoordinator(self wire.NodeID, r *router.Router, pkgReg *pkghandler.Registry, reg *Registry,
	sched scheduler.Scheduler, log logging.Logger, strategy config.BridgeStrategy) *Coordinator {

	c := &Coordinator{
		self:     self,
		router:   r,
		registry: reg,
		sched:    sched,
		log:      log,
		strategy: strategy,
	}
	pkgReg.On(wire.TypeBridgeCoordination, c.handle)
	return c
}

// StartBroadcasting is called on bridge nodes (spec.md §4.H.3: every 30s).
func (c *Coordinator) StartBroadcasting(interval time.Duration, role func() (Role, int, float64, []wire.NodeID)) scheduler.Handle {
	return c.sched.AddPeriodic(interval, func() {
		r, priority, load, peers := role()
		pkg := &wire.BridgeCoordinationPackage{
			Header:      wire.Header{Type: wire.TypeBridgeCoordination, From: c.self, Routing: wire.RoutingBroadcast},
			Priority:    priority,
			Role:        string(r),
			PeerBridges: peers,
			LoadPercent: load,
			TimestampUs: time.Now().UnixMicro(),
		}
		if err := c.router.TransmitBroadcast(pkg, nil); err != nil {
			c.log.Warnf("bridge coordination broadcast failed: %v", err)
		}
	})
}

func (c *Coordinator) handle(v wire.Variant, _ *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.BridgeCoordinationPackage)
	if !ok {
		return true
	}
	st, existed := c.registry.Get(pkg.Head().From)
	st.NodeID = pkg.Head().From
	st.Priority = pkg.Priority
	st.Role = Role(pkg.Role)
	st.LoadPercent = pkg.LoadPercent
	st.PeerBridges = pkg.PeerBridges
	c.registry.Upsert(st)
	if !existed {
		c.log.Debugf("discovered coordinating bridge %s", pkg.Head().From)
	}
	c.recomputeSelection()
	return true
}

// SelectBridge pins a specific bridge until ClearOverride is called
// (spec.md §4.H.3 manual override).
func (c *Coordinator) SelectBridge(id wire.NodeID) {
	c.manualOverride = &id
	c.recomputeSelection()
}

// ClearOverride removes a manual bridge pin, reverting to the strategy.
func (c *Coordinator) ClearOverride() {
	c.manualOverride = nil
	c.recomputeSelection()
}

// PrimaryBridge returns the currently selected bridge, if any
// (spec.md §4.I getPrimaryBridge).
func (c *Coordinator) PrimaryBridge() (wire.NodeID, bool) {
	if c.manualOverride != nil {
		if st, ok := c.registry.Get(*c.manualOverride); ok && st.Healthy(90*time.Second) {
			return *c.manualOverride, true
		}
	}
	return c.selectByStrategy()
}

// LastKnownBridge returns the last successfully selected bridge even if it
// has since gone unhealthy (spec.md §4.I getLastKnownBridge).
func (c *Coordinator) LastKnownBridge() (wire.NodeID, bool) {
	return c.lastSelected, c.haveSelected
}

func (c *Coordinator) recomputeSelection() {
	id, ok := c.PrimaryBridge()
	if !ok {
		return
	}
	changed := !c.haveSelected || c.lastSelected != id
	c.lastSelected = id
	c.haveSelected = true
	if changed && c.OnGatewayChanged != nil {
		c.OnGatewayChanged(id, true)
	}
}

func (c *Coordinator) selectByStrategy() (wire.NodeID, bool) {
	healthy := c.registry.Healthy()
	if len(healthy) == 0 {
		return wire.InvalidNodeID, false
	}
	switch c.strategy {
	case config.StrategyBestSignal:
		best := healthy[0]
		for _, s := range healthy[1:] {
			if s.RouterRSSI > best.RouterRSSI {
				best = s
			}
		}
		return best.NodeID, true
	case config.StrategyRoundRobin:
		c.roundRobinIdx = (c.roundRobinIdx + 1) % len(healthy)
		return healthy[c.roundRobinIdx].NodeID, true
	default: // StrategyPriorityBased
		best := healthy[0]
		for _, s := range healthy[1:] {
			if s.Priority > best.Priority {
				best = s
			}
		}
		return best.NodeID, true
	}
}
