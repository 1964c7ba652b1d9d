// Package router implements the routing core (spec.md §4.D): forward
// unicast toward a destination, fan out broadcast exactly once per peer,
// and dispatch inbound frames either to the routing/protocol layer or to
// application handlers.
//
// Grounded on the teacher's pkg/mcast/protocol.go Unity.handleGMCast
// fan-out-and-wait shape, generalized from "broadcast to every partition
// and collect quorum votes" to "forward to the next hop, or to every peer
// but the one it arrived on".
package router

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/routing"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

var ErrUnreachablePeer = errors.New("router: destination not in routing table")

// ReceiveFunc is invoked for every application-level payload (opaque
// Broadcast/Single/pass-through package) that is either addressed to this
// node or flooded mesh-wide.
type ReceiveFunc func(from wire.NodeID, dest *wire.NodeID, broadcast bool, payload json.RawMessage)

const dedupeCacheSize = 256
const dedupeTTL = 10 * time.Second

type fingerprint [20]byte

type dedupeCache struct {
	order []fingerprint
	seen  map[fingerprint]time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{seen: make(map[fingerprint]time.Time)}
}

func (d *dedupeCache) fingerprintOf(raw []byte) fingerprint {
	return sha1.Sum(raw)
}

// SeenRecently reports whether raw was already processed within dedupeTTL,
// recording it if not.
func (d *dedupeCache) SeenRecently(raw []byte) bool {
	fp := d.fingerprintOf(raw)
	now := time.Now()
	if last, ok := d.seen[fp]; ok && now.Sub(last) < dedupeTTL {
		return true
	}
	d.seen[fp] = now
	d.order = append(d.order, fp)
	if len(d.order) > dedupeCacheSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Router owns the routing table and dispatches inbound/outbound traffic.
type Router struct {
	table    *routing.Table
	registry *pkghandler.Registry
	sched    scheduler.Scheduler
	log      logging.Logger
	self     wire.NodeID
	dedupe   *dedupeCache
	onReceive ReceiveFunc
}

// New builds a Router.
func New(table *routing.Table, registry *pkghandler.Registry, sched scheduler.Scheduler,
	log logging.Logger, self wire.NodeID, onReceive ReceiveFunc) *Router {
	return &Router{
		table:     table,
		registry:  registry,
		sched:     sched,
		log:       log,
		self:      self,
		dedupe:    newDedupeCache(),
		onReceive: onReceive,
	}
}

// SendSingle routes payload toward destNodeId: locally if it is self,
// enqueued on the next-hop connection otherwise.
func (r *Router) SendSingle(destNodeID wire.NodeID, payload json.RawMessage) error {
	if destNodeID == r.self {
		r.deliverLocalPayload(r.self, &destNodeID, false, payload)
		return nil
	}
	dest := destNodeID
	pkg := &wire.SinglePackage{
		Header: wire.Header{Type: wire.TypeSingle, From: r.self, Routing: wire.RoutingSingle, Dest: &dest},
		Payload: payload,
	}
	return r.forwardOrDrop(pkg)
}

func (r *Router) forwardOrDrop(pkg *wire.SinglePackage) error {
	next, ok := r.table.NextHop(*pkg.Dest)
	if !ok {
		return ErrUnreachablePeer
	}
	raw, err := wire.Encode(pkg)
	if err != nil {
		return err
	}
	if !next.AddMessage(raw, false) {
		r.log.Warnf("sendSingle to %s: egress backpressure, message dropped", pkg.Dest)
	}
	return nil
}

// SendBroadcast enqueues payload on every attached connection (none if
// locally originated and there are no peers), optionally also dispatching
// to this node's own handlers. Per spec.md §9's resolved open question,
// the local dispatch (if requested) always goes through the scheduler,
// never inline.
func (r *Router) SendBroadcast(payload json.RawMessage, includeSelf bool) error {
	pkg := &wire.BroadcastPackage{
		Header:  wire.Header{Type: wire.TypeBroadcast, From: r.self, Routing: wire.RoutingBroadcast},
		Payload: payload,
	}
	raw, err := wire.Encode(pkg)
	if err != nil {
		return err
	}
	r.dedupe.SeenRecently(raw) // so an echo of our own broadcast isn't replayed
	for _, c := range r.table.Connections() {
		if !c.AddMessage(raw, false) {
			r.log.Warnf("broadcast to %s: egress backpressure, message dropped", c.NodeID)
		}
	}
	if includeSelf {
		r.sched.AddOnce(0, func() {
			r.deliverLocalPayload(r.self, nil, true, payload)
		})
	}
	return nil
}

func (r *Router) deliverLocalPayload(from wire.NodeID, dest *wire.NodeID, broadcast bool, payload json.RawMessage) {
	if r.onReceive != nil {
		r.onReceive(from, dest, broadcast, payload)
	}
}

// TransmitNeighbour sends a fully-formed variant to one specific peer,
// without consulting the routing table (spec.md §4.E/§4.F protocol
// exchanges, always hop-to-hop).
func (r *Router) TransmitNeighbour(conn *framing.Connection, v wire.Variant, priority bool) error {
	raw, err := wire.Encode(v)
	if err != nil {
		return err
	}
	if !conn.AddMessage(raw, priority) {
		return errors.New("router: egress backpressure on neighbour send")
	}
	return nil
}

// TransmitBroadcast sends a fully-formed variant (e.g. BridgeStatus,
// BridgeElection, BridgeTakeover, BridgeCoordination) to every attached
// connection except exclude (nil to include all).
func (r *Router) TransmitBroadcast(v wire.Variant, exclude *framing.Connection) error {
	raw, err := wire.Encode(v)
	if err != nil {
		return err
	}
	for _, c := range r.table.Connections() {
		if c == exclude {
			continue
		}
		if !c.AddMessage(raw, false) {
			r.log.Warnf("broadcast %s to %s: egress backpressure, dropped", v.Head().Type, c.NodeID)
		}
	}
	return nil
}

// TransmitSingle sends a fully-formed variant toward destNodeID via the
// routing table (e.g. GatewayData/GatewayAck).
func (r *Router) TransmitSingle(destNodeID wire.NodeID, v wire.Variant) error {
	if destNodeID == r.self {
		r.sched.AddOnce(0, func() {
			r.registry.Dispatch(v, nil, time.Now())
		})
		return nil
	}
	next, ok := r.table.NextHop(destNodeID)
	if !ok {
		return ErrUnreachablePeer
	}
	raw, err := wire.Encode(v)
	if err != nil {
		return err
	}
	if !next.AddMessage(raw, false) {
		return errors.New("router: egress backpressure on single send")
	}
	return nil
}

// HandleIncoming parses one arriving frame and routes it: neighbour-scoped
// protocol types go straight to the handler registry; SINGLE is forwarded
// once toward its destination or dispatched locally; BROADCAST is forwarded
// to every peer but the arrival connection (deduplicated) then dispatched
// locally; everything else falls through to the handler registry directly.
func (r *Router) HandleIncoming(frame []byte, arrivingConn *framing.Connection) error {
	v, err := wire.Decode(frame)
	if err != nil {
		r.log.Debugf("dropping frame from %s: %v", arrivingConn.NodeID, err)
		return err
	}
	now := time.Now()
	head := v.Head()

	switch head.Type {
	case wire.TypeTimeSync, wire.TypeTimeDelay, wire.TypeNodeSyncRequest, wire.TypeNodeSyncReply:
		r.registry.Dispatch(v, arrivingConn, now)
		return nil
	}

	switch head.Routing {
	case wire.RoutingSingle:
		if head.Dest == nil {
			r.log.Debugf("dropping SINGLE frame with no dest from %s", head.From)
			return nil
		}
		if *head.Dest == r.self {
			if !r.registry.Dispatch(v, arrivingConn, now) {
				r.deliverLocalPayload(head.From, head.Dest, false, payloadOf(v))
			}
			return nil
		}
		next, ok := r.table.NextHop(*head.Dest)
		if !ok {
			r.log.Debugf("no route to %s, dropping SINGLE frame from %s", *head.Dest, head.From)
			return nil
		}
		if next == arrivingConn {
			return nil // never bounce back to the peer it arrived from
		}
		if !next.AddMessage(frame, false) {
			r.log.Warnf("forwarding SINGLE to %s: egress backpressure", *head.Dest)
		}
		return nil

	case wire.RoutingBroadcast:
		if r.dedupe.SeenRecently(frame) {
			return nil
		}
		for _, c := range r.table.Connections() {
			if c == arrivingConn {
				continue
			}
			if !c.AddMessage(frame, false) {
				r.log.Warnf("forwarding BROADCAST to %s: egress backpressure", c.NodeID)
			}
		}
		if !r.registry.Dispatch(v, arrivingConn, now) {
			r.deliverLocalPayload(head.From, nil, true, payloadOf(v))
		}
		return nil

	default: // RoutingNeighbour and anything else: local handlers only
		if !r.registry.Dispatch(v, arrivingConn, now) {
			r.deliverLocalPayload(head.From, head.Dest, false, payloadOf(v))
		}
		return nil
	}
}

// payloadOf extracts the opaque application payload from whichever
// envelope variant carries one.
func payloadOf(v wire.Variant) json.RawMessage {
	switch p := v.(type) {
	case *wire.BroadcastPackage:
		return p.Payload
	case *wire.SinglePackage:
		return p.Payload
	case *wire.ApplicationPackage:
		return p.Payload
	default:
		return nil
	}
}
