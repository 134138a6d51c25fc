// Package tcpclient implements spec.md §4.10's TcpClient facade: owns a
// Connector and the single Connection it ever produces at a time.
// Grounded on original_source/TcpClient.cc/h.
package tcpclient

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/netreactor/internal/buffer"
	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/netconn"
	"github.com/1ureka/netreactor/internal/reactor"
	"github.com/1ureka/netreactor/internal/sockopt"
	"github.com/1ureka/netreactor/internal/xlog"
)

// TcpClient drives a single outbound connection to one server address,
// optionally retrying after a loss (spec.md §9: retry is off by default,
// matching the Connector's retry-disabled stance — a client with
// EnableRetry set only restarts the Connector after a clean disconnect,
// it does not implement the original's backoff schedule).
type TcpClient struct {
	loop      *reactor.EventLoop
	connector *netconn.Connector
	name      string
	cfg       config.ClientConfig

	mu       sync.Mutex
	conn     *netconn.Connection
	nextID   int64
	connect  atomic.Bool

	connectionCallback    func(*netconn.Connection)
	messageCallback       func(*netconn.Connection, *buffer.Buffer, time.Time)
	writeCompleteCallback func(*netconn.Connection)
}

// New creates a TcpClient targeting ip:port on loop, not yet connecting.
func New(loop *reactor.EventLoop, ip string, port int, cfg config.ClientConfig) *TcpClient {
	c := &TcpClient{
		loop:      loop,
		connector: netconn.NewConnector(loop, ip, port),
		name:      cfg.Name,
		cfg:       cfg,
		nextID:    1,
	}
	c.connector.NewConnectionCallback = c.newConnection
	return c
}

func (c *TcpClient) SetConnectionCallback(fn func(*netconn.Connection))    { c.connectionCallback = fn }
func (c *TcpClient) SetMessageCallback(fn func(*netconn.Connection, *buffer.Buffer, time.Time)) {
	c.messageCallback = fn
}
func (c *TcpClient) SetWriteCompleteCallback(fn func(*netconn.Connection)) {
	c.writeCompleteCallback = fn
}

// EnableRetry turns on reconnect-after-clean-disconnect behavior.
func (c *TcpClient) EnableRetry() { c.cfg.EnableRetry = true }

// Connect starts a connection attempt.
func (c *TcpClient) Connect() {
	xlog.Infof("tcpclient[%s]: connecting", c.name)
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the current connection, if any, letting
// buffered output drain first.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels a pending connect attempt and prevents any retry.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Connection returns the current Connection, or nil if not connected.
func (c *TcpClient) Connection() *netconn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *TcpClient) newConnection(fd int, peerAddr string) {
	c.loop.AssertInLoopThread()

	c.mu.Lock()
	connID := c.nextID
	c.nextID++
	c.mu.Unlock()

	localAddr, err := sockopt.LocalAddr(fd)
	if err != nil {
		xlog.Warnf("tcpclient[%s]: local addr lookup: %v", c.name, err)
	}
	connName := fmt.Sprintf("%s:%s#%d", c.name, peerAddr, connID)

	conn := netconn.New(c.loop, connName, fd, localAddr, peerAddr, c.cfg.HighWaterMark, c.cfg.NoDelay)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.ConnectEstablished()
}

func (c *TcpClient) removeConnection(conn *netconn.Connection) {
	c.loop.AssertInLoopThread()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.loop.QueueInLoop(conn.ConnectDestroyed)

	if c.cfg.EnableRetry && c.connect.Load() {
		xlog.Infof("tcpclient[%s]: reconnecting", c.name)
		c.connector.Start()
	}
}
