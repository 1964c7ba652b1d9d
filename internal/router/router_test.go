package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/routing"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/transport"
	"github.com/wireweave/mesh/internal/wire"
)

type recordingConn struct {
	written [][]byte
}

func (r *recordingConn) OnData(func([]byte)) {}
func (r *recordingConn) OnAck(func())        {}
func (r *recordingConn) OnError(func(error)) {}
func (r *recordingConn) OnDisconnect(func()) {}
func (r *recordingConn) Write(b []byte) error {
	r.written = append(r.written, append([]byte(nil), b...))
	return nil
}
func (r *recordingConn) Close(bool) error   { return nil }
func (r *recordingConn) Abort()             {}
func (r *recordingConn) RemoteAddr() string { return "test" }

func newPeer(id wire.NodeID, subs ...wire.SubTreeNode) (*framing.Connection, *recordingConn) {
	var rc recordingConn
	var tc transport.Conn = &rc
	conn := framing.New(framing.DirectionAccepted, tc, framing.Config{}, logging.Noop(), nil, nil)
	conn.NodeID = id
	conn.SubTree = wire.SubTreeNode{NodeID: id, Subs: subs}
	return conn, &rc
}

func newTestRouter(self wire.NodeID, onReceive ReceiveFunc) (*Router, *routing.Table, *pkghandler.Registry) {
	table := routing.NewTable(self)
	sched := scheduler.New()
	registry := pkghandler.New(sched, logging.Noop())
	r := New(table, registry, sched, logging.Noop(), self, onReceive)
	return r, table, registry
}

func TestSendSingleDeliversLocallyWhenDestIsSelf(t *testing.T) {
	var got json.RawMessage
	r, _, _ := newTestRouter(wire.NodeID(1), func(from wire.NodeID, dest *wire.NodeID, broadcast bool, payload json.RawMessage) {
		got = payload
	})
	payload := json.RawMessage(`"hello"`)
	if err := r.SendSingle(wire.NodeID(1), payload); err != nil {
		t.Fatalf("SendSingle to self returned error: %v", err)
	}
	if string(got) != `"hello"` {
		t.Fatalf("local delivery payload = %s, want %q", got, payload)
	}
}

func TestSendSingleForwardsToNextHop(t *testing.T) {
	r, table, _ := newTestRouter(wire.NodeID(1), nil)
	peer, rc := newPeer(wire.NodeID(2))
	table.Attach(peer)

	if err := r.SendSingle(wire.NodeID(2), json.RawMessage(`1`)); err != nil {
		t.Fatalf("SendSingle returned error: %v", err)
	}
	if len(rc.written) != 1 {
		t.Fatalf("expected exactly one frame written to the next hop, got %d", len(rc.written))
	}
}

func TestSendSingleUnreachableReturnsError(t *testing.T) {
	r, _, _ := newTestRouter(wire.NodeID(1), nil)
	if err := r.SendSingle(wire.NodeID(99), json.RawMessage(`1`)); err != ErrUnreachablePeer {
		t.Fatalf("SendSingle to an unknown peer = %v, want ErrUnreachablePeer", err)
	}
}

func TestSendBroadcastFansOutToEveryPeer(t *testing.T) {
	r, table, _ := newTestRouter(wire.NodeID(1), nil)
	peer1, rc1 := newPeer(wire.NodeID(2))
	peer2, rc2 := newPeer(wire.NodeID(3))
	table.Attach(peer1)
	table.Attach(peer2)

	if err := r.SendBroadcast(json.RawMessage(`1`), false); err != nil {
		t.Fatalf("SendBroadcast returned error: %v", err)
	}
	if len(rc1.written) != 1 || len(rc2.written) != 1 {
		t.Fatalf("SendBroadcast must write to every attached peer exactly once, got %d and %d", len(rc1.written), len(rc2.written))
	}
}

func TestSendBroadcastIncludeSelfDispatchesViaSchedulerNotInline(t *testing.T) {
	sched := scheduler.New()
	registry := pkghandler.New(sched, logging.Noop())
	table := routing.NewTable(wire.NodeID(1))
	delivered := make(chan struct{}, 1)
	r := New(table, registry, sched, logging.Noop(), wire.NodeID(1), func(wire.NodeID, *wire.NodeID, bool, json.RawMessage) {
		delivered <- struct{}{}
	})

	if err := r.SendBroadcast(json.RawMessage(`1`), true); err != nil {
		t.Fatalf("SendBroadcast returned error: %v", err)
	}
	select {
	case <-delivered:
		t.Fatalf("local delivery must not happen before the scheduler has run a single tick")
	default:
	}

	go sched.Run()
	defer sched.Stop()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatalf("local delivery never happened once the scheduler started running")
	}
}

func TestHandleIncomingSingleForwardsToDestAndNeverBouncesBack(t *testing.T) {
	r, table, _ := newTestRouter(wire.NodeID(1), nil)
	arriving, arrivingRC := newPeer(wire.NodeID(2))
	dest, destRC := newPeer(wire.NodeID(3))
	table.Attach(arriving)
	table.Attach(dest)

	destID := wire.NodeID(3)
	pkg := &wire.SinglePackage{
		Header:  wire.Header{Type: wire.TypeSingle, From: wire.NodeID(2), Routing: wire.RoutingSingle, Dest: &destID},
		Payload: json.RawMessage(`1`),
	}
	raw, err := wire.Encode(pkg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := r.HandleIncoming(raw, arriving); err != nil {
		t.Fatalf("HandleIncoming returned error: %v", err)
	}
	if len(destRC.written) != 1 {
		t.Fatalf("SINGLE frame must be forwarded to its destination, got %d writes", len(destRC.written))
	}
	if len(arrivingRC.written) != 0 {
		t.Fatalf("SINGLE frame must never be sent back to the arrival connection, got %d writes", len(arrivingRC.written))
	}
}

func TestHandleIncomingSingleDeliveredLocallyWhenDestIsSelf(t *testing.T) {
	var got json.RawMessage
	r, table, _ := newTestRouter(wire.NodeID(1), func(from wire.NodeID, dest *wire.NodeID, broadcast bool, payload json.RawMessage) {
		got = payload
	})
	arriving, _ := newPeer(wire.NodeID(2))
	table.Attach(arriving)

	self := wire.NodeID(1)
	pkg := &wire.SinglePackage{
		Header:  wire.Header{Type: wire.TypeSingle, From: wire.NodeID(2), Routing: wire.RoutingSingle, Dest: &self},
		Payload: json.RawMessage(`"for me"`),
	}
	raw, _ := wire.Encode(pkg)
	if err := r.HandleIncoming(raw, arriving); err != nil {
		t.Fatalf("HandleIncoming returned error: %v", err)
	}
	if string(got) != `"for me"` {
		t.Fatalf("local payload = %s, want for-me payload delivered", got)
	}
}

func TestHandleIncomingBroadcastForwardsToEveryoneButArrivalAndDedupes(t *testing.T) {
	var deliveries int
	r, table, _ := newTestRouter(wire.NodeID(1), func(wire.NodeID, *wire.NodeID, bool, json.RawMessage) {
		deliveries++
	})
	arriving, _ := newPeer(wire.NodeID(2))
	other, otherRC := newPeer(wire.NodeID(3))
	table.Attach(arriving)
	table.Attach(other)

	pkg := &wire.BroadcastPackage{
		Header:  wire.Header{Type: wire.TypeBroadcast, From: wire.NodeID(2), Routing: wire.RoutingBroadcast},
		Payload: json.RawMessage(`1`),
	}
	raw, _ := wire.Encode(pkg)

	if err := r.HandleIncoming(raw, arriving); err != nil {
		t.Fatalf("HandleIncoming returned error: %v", err)
	}
	if len(otherRC.written) != 1 {
		t.Fatalf("the broadcast must be forwarded to every peer but the arrival connection, got %d writes", len(otherRC.written))
	}
	if deliveries != 1 {
		t.Fatalf("the broadcast must be delivered locally exactly once, got %d", deliveries)
	}

	// The exact same frame arriving a second time (e.g. looped back through
	// another path) must be dropped by the dedupe cache, not re-delivered.
	if err := r.HandleIncoming(raw, other); err != nil {
		t.Fatalf("HandleIncoming returned error on replay: %v", err)
	}
	if deliveries != 1 {
		t.Fatalf("a duplicate broadcast frame must not be delivered again, deliveries=%d", deliveries)
	}
}
