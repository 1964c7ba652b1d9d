package bridge

import (
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

// StatusSource supplies the live values a bridge advertises in its
// periodic status broadcast. The façade implements this over the radio,
// clock, and config.
type StatusSource interface {
	InternetConnected() bool
	RouterRSSI() int
	RouterChannel() int
	UptimeMs() int64
	GatewayIP() string
	Priority() int
	LoadPercent() float64
}

// StatusBroadcaster owns H.1: periodic self-advertisement plus self-
// registration, and consuming peers' advertisements into the Registry.
type StatusBroadcaster struct {
	self     wire.NodeID
	router   *router.Router
	sched    scheduler.Scheduler
	log      logging.Logger
	registry *Registry
	source   StatusSource

	OnStatusChanged func(Status)
}

// NewStatusBroadcaster builds a StatusBroadcaster and registers its
// BridgeStatus handler.
func NewStatusBroadcaster(self wire.NodeID, r *router.Router, registry *pkghandler.Registry,
	reg *Registry, sched scheduler.Scheduler, log logging.Logger, source StatusSource) *StatusBroadcaster {

	b := &StatusBroadcaster{
		self:     self,
		router:   r,
		sched:    sched,
		log:      log,
		registry: reg,
		source:   source,
	}
	registry.On(wire.TypeBridgeStatus, b.handle)
	return b
}

// EnterBridgeRole performs the two short-delayed self-registration tasks
// (100ms, 150ms) spec.md §4.H.1 requires on transition into bridge role,
// then starts the periodic broadcast.
func (b *StatusBroadcaster) EnterBridgeRole(interval time.Duration) []scheduler.Handle {
	var handles []scheduler.Handle
	handles = append(handles, b.sched.AddOnce(100*time.Millisecond, b.selfRegister))
	handles = append(handles, b.sched.AddOnce(150*time.Millisecond, b.broadcast))
	handles = append(handles, b.sched.AddPeriodic(interval, b.broadcast))
	return handles
}

func (b *StatusBroadcaster) selfRegister() {
	b.registry.Upsert(b.snapshot())
}

func (b *StatusBroadcaster) broadcast() {
	st := b.snapshot()
	b.registry.Upsert(st) // mesh broadcasts never loop to the sender
	pkg := &wire.BridgeStatusPackage{
		Header:            wire.Header{Type: wire.TypeBridgeStatus, From: b.self, Routing: wire.RoutingBroadcast},
		InternetConnected: st.InternetConnected,
		RouterRSSI:        st.RouterRSSI,
		RouterChannel:     st.RouterChannel,
		UptimeMs:          st.UptimeMs,
		GatewayIP:         st.GatewayIP,
		Priority:          st.Priority,
		Role:              string(st.Role),
		LoadPercent:       st.LoadPercent,
	}
	if err := b.router.TransmitBroadcast(pkg, nil); err != nil {
		b.log.Warnf("bridge status broadcast failed: %v", err)
	}
}

func (b *StatusBroadcaster) snapshot() Status {
	return Status{
		NodeID:            b.self,
		InternetConnected: b.source.InternetConnected(),
		RouterRSSI:        b.source.RouterRSSI(),
		RouterChannel:     b.source.RouterChannel(),
		UptimeMs:          b.source.UptimeMs(),
		GatewayIP:         b.source.GatewayIP(),
		Priority:          b.source.Priority(),
		LoadPercent:       b.source.LoadPercent(),
	}
}

func (b *StatusBroadcaster) handle(v wire.Variant, _ *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.BridgeStatusPackage)
	if !ok {
		return true
	}
	st := Status{
		NodeID:            pkg.Head().From,
		InternetConnected: pkg.InternetConnected,
		RouterRSSI:        pkg.RouterRSSI,
		RouterChannel:     pkg.RouterChannel,
		UptimeMs:          pkg.UptimeMs,
		GatewayIP:         pkg.GatewayIP,
		Priority:          pkg.Priority,
		Role:              Role(pkg.Role),
		LoadPercent:       pkg.LoadPercent,
	}
	b.registry.Upsert(st)
	if b.OnStatusChanged != nil {
		b.OnStatusChanged(st)
	}
	return true
}
