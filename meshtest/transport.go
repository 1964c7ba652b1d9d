package meshtest

import (
	"fmt"
	"sync"

	"github.com/wireweave/mesh/internal/transport"
)

// Fabric is a process-wide in-memory switchboard mapping "ip:port" to a
// listening accept callback, so FakeDialer/FakeListener can connect two
// mesh nodes without real sockets.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]func(transport.Conn)
}

// NewFabric builds an empty switchboard.
func NewFabric() *Fabric {
	return &Fabric{listeners: make(map[string]func(transport.Conn))}
}

func addr(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// pipeConn is one end of an in-memory full-duplex pipe standing in for a
// transport.Conn.
type pipeConn struct {
	mu      sync.Mutex
	peer    *pipeConn
	post    func(func())
	onData  func([]byte)
	onAck   func()
	onError func(error)
	onDisc  func()
	closed  bool
	remote  string
}

func newPipePair(post func(func()), aAddr, bAddr string) (*pipeConn, *pipeConn) {
	a := &pipeConn{post: post, remote: bAddr}
	b := &pipeConn{post: post, remote: aAddr}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeConn) OnData(cb func([]byte)) { p.mu.Lock(); p.onData = cb; p.mu.Unlock() }
func (p *pipeConn) OnAck(cb func())        { p.mu.Lock(); p.onAck = cb; p.mu.Unlock() }
func (p *pipeConn) OnError(cb func(error)) { p.mu.Lock(); p.onError = cb; p.mu.Unlock() }
func (p *pipeConn) OnDisconnect(cb func()) { p.mu.Lock(); p.onDisc = cb; p.mu.Unlock() }

func (p *pipeConn) Write(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	peer := p.peer
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("meshtest: write on closed pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.post(func() {
		peer.mu.Lock()
		cb := peer.onData
		peer.mu.Unlock()
		if cb != nil {
			cb(cp)
		}
	})
	p.post(func() {
		p.mu.Lock()
		ack := p.onAck
		p.mu.Unlock()
		if ack != nil {
			ack()
		}
	})
	return nil
}

func (p *pipeConn) Close(graceful bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peer := p.peer
	p.mu.Unlock()

	p.post(func() {
		peer.mu.Lock()
		if peer.closed {
			peer.mu.Unlock()
			return
		}
		peer.closed = true
		cb := peer.onDisc
		peer.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	return nil
}

func (p *pipeConn) Abort() { _ = p.Close(false) }

func (p *pipeConn) RemoteAddr() string { return p.remote }

// FakeDialer connects through a Fabric, posting every callback through
// Post exactly like the real transport.TCPDialer does.
type FakeDialer struct {
	Fabric  *Fabric
	Post    func(func())
	LocalIP string
}

func (d *FakeDialer) Connect(ip string, port int, connectCb func(transport.Conn), errorCb func(error)) {
	target := addr(ip, port)
	d.Fabric.mu.Lock()
	accept, ok := d.Fabric.listeners[target]
	d.Fabric.mu.Unlock()
	if !ok {
		d.Post(func() { errorCb(fmt.Errorf("meshtest: no listener at %s", target)) })
		return
	}
	clientSide, serverSide := newPipePair(d.Post, d.LocalIP, target)
	d.Post(func() {
		accept(serverSide)
		connectCb(clientSide)
	})
}

// FakeListener registers an accept callback into a Fabric under ip:port.
type FakeListener struct {
	Fabric *Fabric
	Post   func(func())
	IP     string

	mu   sync.Mutex
	port int
}

func (l *FakeListener) Listen(port int, acceptCb func(transport.Conn)) error {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	l.Fabric.mu.Lock()
	l.Fabric.listeners[addr(l.IP, port)] = acceptCb
	l.Fabric.mu.Unlock()
	return nil
}

func (l *FakeListener) Close() error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	l.Fabric.mu.Lock()
	delete(l.Fabric.listeners, addr(l.IP, port))
	l.Fabric.mu.Unlock()
	return nil
}
