// Package transport specifies the TCP-like transport external collaborator
// (spec.md §6) and a real implementation over the standard library's net
// package. Every callback a Conn fires is posted onto the scheduler's
// single task rather than invoked on the reading/writing goroutine
// directly, preserving the cooperative single-task model of spec.md §5.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
)

// Conn is one TCP-like connection to a peer. Never call Abort synchronously
// before a deferred free — Close followed by a scheduled release is the
// only safe sequence (spec.md §4.A, §6, §9).
type Conn interface {
	OnData(cb func([]byte))
	OnAck(cb func())
	OnError(cb func(error))
	OnDisconnect(cb func())

	Write(data []byte) error
	Close(graceful bool) error
	Abort()

	RemoteAddr() string
}

// Dialer opens outbound connections.
type Dialer interface {
	Connect(ip string, port int, connectCb func(Conn), errorCb func(error))
}

// Listener accepts inbound connections on a port.
type Listener interface {
	Listen(port int, acceptCb func(Conn)) error
	Close() error
}

// Poster funnels a callback onto the scheduler's single task. Every Conn
// callback below is delivered through it.
type Poster func(func())

type tcpConn struct {
	mu      sync.Mutex
	conn    net.Conn
	post    Poster
	onData  func([]byte)
	onAck   func()
	onError func(error)
	onDisc  func()
	closed  bool
}

func newTCPConn(c net.Conn, post Poster) *tcpConn {
	t := &tcpConn{conn: c, post: post}
	go t.readLoop()
	return t
}

func (t *tcpConn) readLoop() {
	r := bufio.NewReaderSize(t.conn, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.fireData(chunk)
		}
		if err != nil {
			if err == io.EOF {
				t.fireDisconnect()
			} else {
				t.fireError(err)
			}
			return
		}
	}
}

func (t *tcpConn) fireData(b []byte) {
	t.post(func() {
		t.mu.Lock()
		cb := t.onData
		t.mu.Unlock()
		if cb != nil {
			cb(b)
		}
	})
}

func (t *tcpConn) fireError(err error) {
	t.post(func() {
		t.mu.Lock()
		cb := t.onError
		t.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
}

func (t *tcpConn) fireDisconnect() {
	t.post(func() {
		t.mu.Lock()
		cb := t.onDisc
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (t *tcpConn) OnData(cb func([]byte))   { t.mu.Lock(); t.onData = cb; t.mu.Unlock() }
func (t *tcpConn) OnAck(cb func())          { t.mu.Lock(); t.onAck = cb; t.mu.Unlock() }
func (t *tcpConn) OnError(cb func(error))   { t.mu.Lock(); t.onError = cb; t.mu.Unlock() }
func (t *tcpConn) OnDisconnect(cb func())   { t.mu.Lock(); t.onDisc = cb; t.mu.Unlock() }

func (t *tcpConn) Write(data []byte) error {
	_, err := t.conn.Write(data)
	if err != nil {
		t.fireError(err)
		return err
	}
	t.post(func() {
		t.mu.Lock()
		cb := t.onAck
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	return nil
}

func (t *tcpConn) Close(graceful bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *tcpConn) Abort() {
	_ = t.Close(false)
}

func (t *tcpConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// TCPDialer is the real Dialer.
type TCPDialer struct {
	Post Poster
}

func (d *TCPDialer) Connect(ip string, port int, connectCb func(Conn), errorCb func(error)) {
	go func() {
		c, err := net.Dial("tcp", fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			d.Post(func() { errorCb(err) })
			return
		}
		conn := newTCPConn(c, d.Post)
		d.Post(func() { connectCb(conn) })
	}()
}

// TCPListener is the real Listener.
type TCPListener struct {
	Post Poster

	mu sync.Mutex
	ln net.Listener
}

func (l *TCPListener) Listen(port int, acceptCb func(Conn)) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conn := newTCPConn(c, l.Post)
			l.Post(func() { acceptCb(conn) })
		}
	}()
	return nil
}

func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
