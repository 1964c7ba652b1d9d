// Package framing turns a transport.Conn byte stream into a sequence of
// newline-delimited frames and owns the lifetime of one peer's socket,
// including its deferred, spacing-enforced destruction (spec.md §4.A).
//
// Grounded on the teacher's pkg/mcast/core/peer.go: a single owner
// (there Peer, here Connection) funnels transport events and outbound
// sends through one goroutine-free, callback-driven object, with the
// scheduler providing the only concurrency boundary.
package framing

import (
	"bytes"
	"errors"
	"time"

	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/transport"
	"github.com/wireweave/mesh/internal/wire"
)

const frameTerminator = '\n'

// Direction records whether this peer connected to us or we to it.
type Direction int

const (
	DirectionAccepted Direction = iota
	DirectionInitiated
)

type outboundMsg struct {
	payload []byte
}

// Connection is one peer's framed, buffered, lifecycle-managed socket.
// All fields are touched only from the scheduler's single task.
type Connection struct {
	Direction Direction
	NodeID    wire.NodeID // 0 until NodeSync completes; immutable once set
	Station   bool        // true if this peer is our parent

	SubTree wire.SubTreeNode // the sub-tree reachable through this peer

	LastReceived time.Time
	BytesIn      uint64
	BytesOut     uint64

	closed          bool
	pendingDeletion bool

	conn   transport.Conn
	log    logging.Logger
	ingress bytes.Buffer
	egress  []outboundMsg
	writing bool

	maxFrameSize int
	softCap      int

	onFrame   func(*Connection, []byte)
	onClosed  func(*Connection)
}

// Config bundles the tunables a Connection needs at construction.
type Config struct {
	MaxFrameSize int
	SoftCap      int
}

// New wraps a live transport.Conn. onFrame is invoked once per complete
// frame; onClosed fires exactly once when the connection transitions to
// closed (transport error or disconnect).
func New(direction Direction, c transport.Conn, cfg Config, log logging.Logger,
	onFrame func(*Connection, []byte), onClosed func(*Connection)) *Connection {

	conn := &Connection{
		Direction:    direction,
		conn:         c,
		log:          log,
		maxFrameSize: cfg.MaxFrameSize,
		softCap:      cfg.SoftCap,
		onFrame:      onFrame,
		onClosed:     onClosed,
		LastReceived: time.Now(),
	}
	if conn.maxFrameSize <= 0 {
		conn.maxFrameSize = wire.MaxFrameSize
	}
	if conn.softCap <= 0 {
		conn.softCap = 64
	}

	c.OnData(conn.handleData)
	c.OnError(func(err error) { conn.handleFailure() })
	c.OnDisconnect(conn.handleFailure)
	c.OnAck(conn.handleAck)

	return conn
}

// Closed reports whether this connection has been torn down and should be
// excluded from routing.
func (c *Connection) Closed() bool { return c.closed }

// PendingDeletion reports whether the socket has been scheduled for
// deferred release but has not been freed yet.
func (c *Connection) PendingDeletion() bool { return c.pendingDeletion }

func (c *Connection) handleData(chunk []byte) {
	c.BytesIn += uint64(len(chunk))
	c.LastReceived = time.Now()
	c.ingress.Write(chunk)

	for {
		buf := c.ingress.Bytes()
		idx := bytes.IndexByte(buf, frameTerminator)
		if idx < 0 {
			if c.ingress.Len() > c.maxFrameSize*4 {
				// Runaway ingress with no terminator in sight; drop it to
				// avoid unbounded growth rather than waiting forever.
				c.log.Warnf("peer %s: ingress overflow with no frame terminator, resetting", c.conn.RemoteAddr())
				c.ingress.Reset()
			}
			return
		}
		frame := make([]byte, idx)
		copy(frame, buf[:idx])
		c.ingress.Next(idx + 1)

		if len(frame) == 0 {
			continue
		}
		if len(frame) > c.maxFrameSize {
			c.log.Warnf("peer %s: dropping oversize frame (%d bytes)", c.conn.RemoteAddr(), len(frame))
			continue
		}
		if c.onFrame != nil {
			c.onFrame(c, frame)
		}
	}
}

func (c *Connection) handleFailure() {
	c.markClosed()
}

func (c *Connection) markClosed() {
	if c.closed {
		return
	}
	c.closed = true
	if c.onClosed != nil {
		c.onClosed(c)
	}
}

// ErrBackpressure names the egress-queue-over-soft-cap condition. AddMessage
// itself does not return it: it reports back-pressure by returning false.
var ErrBackpressure = errors.New("framing: egress queue full")

// AddMessage appends a serialised frame to the egress queue, at the head
// if priority, then kicks off a write if none is outstanding. Returns
// false (without error detail, per spec.md's "surfaced as false") if the
// message was rejected by back-pressure.
func (c *Connection) AddMessage(payload []byte, priority bool) bool {
	if c.closed {
		return false
	}
	if !priority && len(c.egress) >= c.softCap {
		return false
	}
	msg := outboundMsg{payload: payload}
	if priority {
		c.egress = append([]outboundMsg{msg}, c.egress...)
	} else {
		c.egress = append(c.egress, msg)
	}
	c.pump()
	return true
}

func (c *Connection) pump() {
	if c.writing || c.closed || len(c.egress) == 0 {
		return
	}
	next := c.egress[0]
	c.egress = c.egress[1:]
	c.writing = true

	framed := make([]byte, 0, len(next.payload)+1)
	framed = append(framed, next.payload...)
	framed = append(framed, frameTerminator)

	if err := c.conn.Write(framed); err != nil {
		c.writing = false
		c.handleFailure()
		return
	}
	c.BytesOut += uint64(len(framed))
}

func (c *Connection) handleAck() {
	c.writing = false
	c.pump()
}

// ScheduleDestroy transitions the connection to closed (if not already)
// and defers the socket's close+free through gate, respecting the global
// minimum deletion spacing. The Connection object itself remains valid
// (and excluded from routing) until the deferred task runs.
func (c *Connection) ScheduleDestroy(sched scheduler.Scheduler, gate *DeletionGate) {
	c.markClosed()
	if c.pendingDeletion {
		return
	}
	c.pendingDeletion = true
	gate.ScheduleDestroy(sched, func() {
		c.conn.Close(true)
	})
}
