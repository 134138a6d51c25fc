// Package netconn implements spec.md §4.6–§4.8: Acceptor, Connector and
// Connection, the layer that turns raw accepted/connected descriptors
// into managed, buffered, state-tracked connections. Grounded on
// original_source/TcpConnection.cc/h, Acceptor.cc/h and Connector.cc/h.
//
// original_source/Socket.h is a thin RAII wrapper around a single fd
// whose only job is calling the setsockopt/bind/listen/accept helpers
// now in internal/sockopt and closing the fd on destruction; Go has no
// destructors; Connection/Acceptor close their own fd explicitly in
// their teardown paths, so no separate Socket type is carried over here.
package netconn

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/netreactor/internal/buffer"
	"github.com/1ureka/netreactor/internal/netpoll"
	"github.com/1ureka/netreactor/internal/reactor"
	"github.com/1ureka/netreactor/internal/sockopt"
	"github.com/1ureka/netreactor/internal/stats"
	"github.com/1ureka/netreactor/internal/xlog"
)

// State is a Connection's position in the lifecycle spec.md §4.8 defines.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is one established TCP connection bound to exactly one
// EventLoop for its whole lifetime (spec.md §3, §4.8).
type Connection struct {
	loop *reactor.EventLoop
	name string
	fd   int

	channel *netpoll.Channel
	guard   *netpoll.Guard

	state atomic.Int32

	localAddr, peerAddr string

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	highWaterMark int64

	connectionCallback     func(*Connection)
	messageCallback        func(*Connection, *buffer.Buffer, time.Time)
	writeCompleteCallback  func(*Connection)
	highWaterMarkCallback  func(*Connection, int64)
	closeCallback          func(*Connection) // set by TcpServer/TcpClient for removal bookkeeping
}

// New wraps an already-accepted or already-connected, non-blocking fd as
// a Connection. It does not start reading until ConnectEstablished is
// called (by the owning TcpServer/TcpClient, on loop). noDelay toggles
// TCP_NODELAY on the accepted/outbound socket, per spec.md §6's
// "TCP_NODELAY configurable" requirement.
func New(loop *reactor.EventLoop, name string, fd int, localAddr, peerAddr string, highWaterMark int64, noDelay bool) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: highWaterMark,
		guard:         netpoll.NewGuard(),
	}
	c.state.Store(int32(StateConnecting))

	c.channel = netpoll.New(loop, fd)
	c.channel.SetGuard(c.guard)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	sockopt.SetKeepAlive(fd, true)
	if err := sockopt.SetTCPNoDelay(fd, noDelay); err != nil {
		xlog.Warnf("netconn: Connection[%s] SetTCPNoDelay(%v): %v", name, noDelay, err)
	}
	xlog.Infof("netconn: Connection[%s] at fd=%d", name, fd)
	return c
}

func (c *Connection) Loop() *reactor.EventLoop { return c.loop }
func (c *Connection) Name() string      { return c.name }
func (c *Connection) LocalAddr() string { return c.localAddr }
func (c *Connection) PeerAddr() string  { return c.peerAddr }
func (c *Connection) Fd() int           { return c.fd }
func (c *Connection) State() State      { return State(c.state.Load()) }
func (c *Connection) Connected() bool   { return c.State() == StateConnected }

func (c *Connection) SetConnectionCallback(fn func(*Connection))    { c.connectionCallback = fn }
func (c *Connection) SetMessageCallback(fn func(*Connection, *buffer.Buffer, time.Time)) {
	c.messageCallback = fn
}
func (c *Connection) SetWriteCompleteCallback(fn func(*Connection)) { c.writeCompleteCallback = fn }
func (c *Connection) SetCloseCallback(fn func(*Connection))         { c.closeCallback = fn }

// SetHighWaterMarkCallback installs fn, invoked at most once per
// crossing of threshold bytes queued in the output buffer (spec.md §4.8).
func (c *Connection) SetHighWaterMarkCallback(threshold int64, fn func(*Connection, int64)) {
	c.highWaterMark = threshold
	c.highWaterMarkCallback = fn
}

// Send queues data for output. Safe to call from any goroutine; if called
// off the owning loop it is marshalled there first (spec.md §4.8).
func (c *Connection) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(cp) })
}

func (c *Connection) sendInLoop(data []byte) {
	if c.State() == StateDisconnected {
		xlog.Warnf("netconn: Connection[%s] disconnected, give up writing", c.name)
		return
	}

	var nwrote int
	var faultError bool

	if !c.channel.IsWriting() && c.outputBuffer.Readable() == 0 {
		n, err := unix.Write(c.fd, data)
		if n > 0 {
			nwrote = n
			stats.Global.AddSent(n)
		}
		if err != nil {
			if !isWouldBlock(err) {
				xlog.Errorf("netconn: Connection[%s] write error: %v", c.name, err)
				if err == unix.EPIPE || err == unix.ECONNRESET {
					faultError = true
				}
			}
		} else if nwrote == len(data) {
			if c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
			return
		}
	}

	if faultError {
		return
	}

	remaining := data[nwrote:]
	if len(remaining) == 0 {
		return
	}

	oldLen := int64(c.outputBuffer.Readable())
	newLen := oldLen + int64(len(remaining))
	if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		cb := c.highWaterMarkCallback
		c.loop.QueueInLoop(func() { cb(c, newLen) })
	}
	c.outputBuffer.Append(remaining)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the connection: once the output buffer drains,
// the write side is shut down (SHUT_WR), which the peer observes as EOF
// while our reads continue until they see the same (spec.md §4.8's
// half-close semantics).
func (c *Connection) Shutdown() {
	if c.State() != StateConnected {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *Connection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		if err := sockopt.ShutdownWrite(c.fd); err != nil {
			xlog.Warnf("netconn: Connection[%s] shutdownWrite: %v", c.name, err)
		}
	}
}

// ConnectEstablished transitions the connection to Connected, starts
// read interest, and fires the connection callback. Must run on the
// owning loop (the Acceptor/Connector callbacks that call this already
// are on loop).
func (c *Connection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	c.state.Store(int32(StateConnected))
	c.channel.EnableReading()
	stats.Global.AddConn()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed tears the channel out of the demultiplexer and fires
// the connection callback one final time if the connection was still
// connected. Must run on the owning loop.
func (c *Connection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		stats.Global.RemoveConn()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	sockopt.Close(c.fd)
	c.guard = nil // drop the strong reference the channel's weak guard points at
}

func (c *Connection) handleRead(ts time.Time) {
	n, err := c.inputBuffer.ReadFromFD(fdConn{c.fd})
	switch {
	case n > 0:
		stats.Global.AddRecv(n)
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, ts)
		}
	case n == 0 && err == nil:
		c.handleClose()
	case err != nil && !isWouldBlock(err):
		xlog.Errorf("netconn: Connection[%s] read error: %v", c.name, err)
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		xlog.Warnf("netconn: Connection[%s] fd=%d is down, no more writing", c.name, c.fd)
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if !isWouldBlock(err) {
			xlog.Errorf("netconn: Connection[%s] write error: %v", c.name, err)
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	stats.Global.AddSent(n)
	if c.outputBuffer.Readable() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose is invoked by the channel's close callback (peer sent FIN,
// observed as EPOLLHUP without EPOLLIN) or synthesized by ForceClose.
func (c *Connection) handleClose() {
	xlog.Infof("netconn: Connection[%s] handleClose fd=%d state=%s", c.name, c.fd, c.State())
	st := c.State()
	c.state.Store(int32(StateDisconnected))
	c.channel.DisableAll()
	if st == StateConnected || st == StateDisconnecting {
		stats.Global.RemoveConn()
	}

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	err := sockopt.SOError(c.fd)
	xlog.Errorf("netconn: Connection[%s] SO_ERROR: %v", c.name, err)
}

// ForceClose tears the connection down immediately regardless of
// pending output, deferred to the owning loop so it is safe to call from
// anywhere (spec.md §4.8).
func (c *Connection) ForceClose() {
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *Connection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	st := c.State()
	if st == StateConnected || st == StateDisconnecting {
		c.handleClose()
	}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// fdConn adapts a raw descriptor to buffer.Buffer's unexported fdReader
// interface (structural typing — no import of buffer's internals needed).
type fdConn struct{ fd int }

func (f fdConn) Read(p []byte) (int, error) { return unix.Read(f.fd, p) }
