package netconn

import (
	"golang.org/x/sys/unix"

	"github.com/1ureka/netreactor/internal/netpoll"
	"github.com/1ureka/netreactor/internal/reactor"
	"github.com/1ureka/netreactor/internal/sockopt"
	"github.com/1ureka/netreactor/internal/xlog"
)

// ConnState is a Connector's own state, distinct from Connection.State —
// a Connector only ever reaches kConnected transiently, to hand the
// socket off to a Connection and reset itself.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

// Connector drives an outbound non-blocking connect attempt. Grounded on
// original_source/Connector.cc/h. spec.md §9 records that retry/backoff
// is deliberately not implemented here (an explicit Non-goal of this
// port, though the original has it) — a fatal classification still maps
// straight to giving up, a retryable one just logs and stops, it does
// not re-attempt.
type Connector struct {
	loop *reactor.EventLoop
	ip   string
	port int

	state   ConnState
	channel *netpoll.Channel

	NewConnectionCallback func(fd int, peerAddr string)
}

// NewConnector creates a Connector targeting ip:port, not yet started.
func NewConnector(loop *reactor.EventLoop, ip string, port int) *Connector {
	return &Connector{loop: loop, ip: ip, port: port, state: ConnDisconnected}
}

// Start kicks off a connect attempt on the owning loop.
func (c *Connector) Start() {
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoopThread()
	if c.state == ConnDisconnected {
		c.connect()
	}
}

func (c *Connector) connect() {
	fd, err := sockopt.CreateNonblockingSocket()
	if err != nil {
		xlog.Errorf("netconn: connector socket: %v", err)
		return
	}

	err = sockopt.Connect(fd, c.ip, c.port)
	switch {
	case err == nil, err == unix.EINPROGRESS, err == unix.EINTR, err == unix.EISCONN:
		c.connecting(fd)
	case err == unix.EAGAIN, err == unix.EADDRINUSE, err == unix.EADDRNOTAVAIL,
		err == unix.ECONNREFUSED, err == unix.ENETUNREACH:
		xlog.Warnf("netconn: connect to %s:%d retryable error (retry disabled): %v", c.ip, c.port, err)
		sockopt.Close(fd)
		c.state = ConnDisconnected
	default:
		xlog.Errorf("netconn: connect to %s:%d fatal error: %v", c.ip, c.port, err)
		sockopt.Close(fd)
		c.state = ConnDisconnected
	}
}

func (c *Connector) connecting(fd int) {
	c.state = ConnConnecting
	c.channel = netpoll.New(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

func (c *Connector) handleWrite() {
	if c.state != ConnConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	if err := sockopt.SOError(fd); err != nil {
		xlog.Warnf("netconn: connect to %s:%d failed (retry disabled): %v", c.ip, c.port, err)
		sockopt.Close(fd)
		c.state = ConnDisconnected
		return
	}
	c.state = ConnConnected
	if c.NewConnectionCallback != nil {
		peer, _ := sockopt.PeerAddr(fd)
		c.NewConnectionCallback(fd, peer)
	} else {
		sockopt.Close(fd)
	}
	c.state = ConnDisconnected
}

func (c *Connector) handleError() {
	if c.state != ConnConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	err := sockopt.SOError(fd)
	xlog.Errorf("netconn: connector handleError to %s:%d: %v", c.ip, c.port, err)
	sockopt.Close(fd)
	c.state = ConnDisconnected
}

func (c *Connector) removeAndResetChannel() int {
	c.channel.DisableAll()
	c.channel.Remove()
	fd := c.channel.Fd()
	c.channel = nil
	return fd
}

// Stop cancels a pending connect attempt. If currently mid-connect, the
// half-open socket is closed without ever invoking the callback.
func (c *Connector) Stop() {
	c.loop.QueueInLoop(func() {
		c.loop.AssertInLoopThread()
		if c.state == ConnConnecting {
			fd := c.removeAndResetChannel()
			sockopt.Close(fd)
			c.state = ConnDisconnected
		}
	})
}
