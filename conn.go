package vnet

//
// Blocking net.Conn and net.Listener adapters
//

import (
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

// Conn adapts a [Socket] to [net.Conn] for code running on goroutines other
// than the loop's. The loop MUST be running (see [Loop.Run]) for reads and
// writes to make progress.
type Conn struct {
	// immutable
	loop *Loop
	sk   *Socket

	// mu protects the following fields
	mu           sync.Mutex
	buffer       []byte
	eof          bool
	err          error
	localAddr    Addr
	localClosed  bool
	remoteAddr   Addr
	remoteClosed bool

	notify        chan struct{}
	readDeadline  *connDeadline
	writeDeadline *connDeadline
}

var _ net.Conn = &Conn{}

// newConn wraps sk. It MUST run on the loop.
func newConn(loop *Loop, sk *Socket) *Conn {
	c := &Conn{
		loop:          loop,
		sk:            sk,
		localAddr:     sk.LocalAddr(),
		remoteAddr:    sk.RemoteAddr(),
		notify:        make(chan struct{}, 1),
		readDeadline:  newConnDeadline(),
		writeDeadline: newConnDeadline(),
	}
	sk.OnConnect(func() {
		c.mu.Lock()
		c.localAddr, c.remoteAddr = sk.LocalAddr(), sk.RemoteAddr()
		c.mu.Unlock()
	})
	sk.OnData(func(p []byte) {
		c.mu.Lock()
		c.buffer = append(c.buffer, p...)
		c.mu.Unlock()
		c.signal()
	})
	sk.OnEnd(func() {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
		c.signal()
	})
	sk.OnError(func(err error) {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		c.signal()
	})
	sk.OnClose(func(hadError bool) {
		c.mu.Lock()
		c.eof = true
		c.remoteClosed = true
		c.mu.Unlock()
		c.signal()
	})
	return c
}

func (c *Conn) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Socket returns the wrapped socket. Only use it from loop tasks.
func (c *Conn) Socket() *Socket {
	return c.sk
}

// Read implements net.Conn
func (c *Conn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		switch {
		case c.localClosed:
			c.mu.Unlock()
			return 0, net.ErrClosed
		case len(c.buffer) > 0:
			count := copy(b, c.buffer)
			c.buffer = c.buffer[count:]
			c.mu.Unlock()
			return count, nil
		case c.err != nil:
			err := c.err
			c.mu.Unlock()
			return 0, err
		case c.eof:
			c.mu.Unlock()
			return 0, io.EOF
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-c.readDeadline.wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// Write implements net.Conn
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	localClosed, remoteClosed := c.localClosed, c.remoteClosed
	c.mu.Unlock()
	switch {
	case localClosed:
		return 0, net.ErrClosed
	case remoteClosed:
		return 0, syscall.EPIPE
	case c.writeDeadline.expired():
		return 0, os.ErrDeadlineExceeded
	}
	data := append([]byte{}, b...)
	c.loop.Post(func() {
		c.sk.Write(data)
	})
	return len(b), nil
}

// CloseWrite ends the writable side.
func (c *Conn) CloseWrite() error {
	c.loop.Post(func() {
		c.sk.End()
	})
	return nil
}

// Close implements net.Conn
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.localClosed {
		c.mu.Unlock()
		return nil
	}
	c.localClosed = true
	c.mu.Unlock()
	c.signal()
	c.loop.Post(func() {
		c.sk.Destroy(nil)
	})
	return nil
}

// LocalAddr implements net.Conn
func (c *Conn) LocalAddr() net.Addr {
	defer c.mu.Unlock()
	c.mu.Lock()
	return c.localAddr
}

// RemoteAddr implements net.Conn
func (c *Conn) RemoteAddr() net.Addr {
	defer c.mu.Unlock()
	c.mu.Lock()
	return c.remoteAddr
}

// SetDeadline implements net.Conn
func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

// SetReadDeadline implements net.Conn
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

// SetWriteDeadline implements net.Conn
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// connDeadline is a deadline whose channel is closed once it expires.
type connDeadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func newConnDeadline() *connDeadline {
	return &connDeadline{cancel: make(chan struct{})}
}

// set arms the deadline. The zero time disarms it.
func (d *connDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // wait for the timer callback to close cancel
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}

	if delta := time.Until(t); delta > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(delta, func() {
			close(cancel)
		})
		return
	}

	if !closed {
		close(d.cancel)
	}
}

// wait returns a channel closed when the deadline expires.
func (d *connDeadline) wait() chan struct{} {
	defer d.mu.Unlock()
	d.mu.Lock()
	return d.cancel
}

// expired returns whether the deadline has expired.
func (d *connDeadline) expired() bool {
	return isClosedChan(d.wait())
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// Listener adapts a [Server] to [net.Listener].
type Listener struct {
	addr      Addr
	closeOnce sync.Once
	closed    chan struct{}
	conns     chan *Conn
	loop      *Loop
	srv       *Server
}

var _ net.Listener = &Listener{}

// listenerBacklog is the number of accepted connections waiting for Accept.
const listenerBacklog = 128

// newListener wraps a server that has not started listening. It MUST run on the loop.
func newListener(loop *Loop, srv *Server) *Listener {
	ln := &Listener{
		closeOnce: sync.Once{},
		closed:    make(chan struct{}),
		conns:     make(chan *Conn, listenerBacklog),
		loop:      loop,
		srv:       srv,
	}
	srv.OnConnection(func(sk *Socket) {
		conn := newConn(loop, sk)
		select {
		case ln.conns <- conn:
		default:
			sk.Destroy(syscall.ECONNREFUSED)
		}
	})
	srv.OnClose(ln.markClosed)
	return ln
}

func (ln *Listener) markClosed() {
	ln.closeOnce.Do(func() {
		close(ln.closed)
	})
}

// Accept implements net.Listener
func (ln *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-ln.conns:
		return conn, nil
	case <-ln.closed:
		return nil, net.ErrClosed
	}
}

// Addr implements net.Listener
func (ln *Listener) Addr() net.Addr {
	return ln.addr
}

// Close implements net.Listener
func (ln *Listener) Close() error {
	ln.markClosed()
	ln.loop.Post(func() {
		ln.srv.Close()
	})
	return nil
}
