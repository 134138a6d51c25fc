// Package tcpserver implements spec.md §4.9's TcpServer facade: owns an
// Acceptor and a LoopThreadPool, fans accepted connections out
// round-robin, and tracks every live Connection by name. Grounded on
// original_source/TcpServer.cc/h.
package tcpserver

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

// TcpServer owns a listening socket plus a pool of I/O loops, fanning
// every accepted connection out round-robin (spec.md §4.6, §4.9).
type TcpServer struct {
	baseLoop *reactor.EventLoop
	ipPort   string
	cfg      config.ServerConfig

	acceptor *netconn.Acceptor
	pool     *reactor.LoopThreadPool

	mu          sync.Mutex
	connections map[string]*netconn.Connection
	nextConnID  int64

	started atomic.Bool

	connectionCallback    func(*netconn.Connection)
	messageCallback       func(*netconn.Connection, *buffer.Buffer, time.Time)
	writeCompleteCallback func(*netconn.Connection)
	threadInitCallback    func(*reactor.EventLoop)
}

// New creates a TcpServer bound to ip:port on baseLoop, not yet
// listening (call Start for that).
func New(baseLoop *reactor.EventLoop, ip string, port int, cfg config.ServerConfig) (*TcpServer, error) {
	acc, err := netconn.NewAcceptor(baseLoop, ip, port, cfg.ReusePort)
	if err != nil {
		return nil, fmt.Errorf("tcpserver: %w", err)
	}

	s := &TcpServer{
		baseLoop:    baseLoop,
		ipPort:      fmt.Sprintf("%s:%d", ip, port),
		cfg:         cfg,
		acceptor:    acc,
		pool:        reactor.NewLoopThreadPool(baseLoop),
		connections: make(map[string]*netconn.Connection),
		nextConnID:  1,
	}
	acc.NewConnectionCallback = s.newConnection
	return s, nil
}

func (s *TcpServer) SetThreadNum(n int)                              { s.cfg.ThreadNum = n }
func (s *TcpServer) SetConnectionCallback(fn func(*netconn.Connection)) { s.connectionCallback = fn }
func (s *TcpServer) SetMessageCallback(fn func(*netconn.Connection, *buffer.Buffer, time.Time)) {
	s.messageCallback = fn
}
func (s *TcpServer) SetWriteCompleteCallback(fn func(*netconn.Connection)) {
	s.writeCompleteCallback = fn
}
func (s *TcpServer) SetThreadInitCallback(fn func(*reactor.EventLoop)) { s.threadInitCallback = fn }

// Start launches the loop thread pool and begins listening. Idempotent —
// a second call is a no-op (spec.md §4.9).
func (s *TcpServer) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.pool.Start(s.cfg.ThreadNum, s.threadInitCallback)
	s.baseLoop.RunInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			xlog.Errorf("tcpserver: listen %s: %v", s.ipPort, err)
		}
	})
}

func (s *TcpServer) newConnection(fd int, peerAddr string) {
	ioLoop := s.pool.GetNextLoop()

	s.mu.Lock()
	connID := s.nextConnID
	s.nextConnID++
	s.mu.Unlock()

	connName := fmt.Sprintf("%s-%s#%d", s.cfg.Name, s.ipPort, connID)
	xlog.Infof("tcpserver[%s]: new connection [%s] from %s", s.cfg.Name, connName, peerAddr)

	localAddr, err := sockopt.LocalAddr(fd)
	if err != nil {
		xlog.Warnf("tcpserver[%s]: local addr lookup for [%s]: %v", s.cfg.Name, connName, err)
		localAddr = s.ipPort
	}
	conn := netconn.New(ioLoop, connName, fd, localAddr, peerAddr, s.cfg.HighWaterMark, s.cfg.NoDelay)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

func (s *TcpServer) removeConnection(conn *netconn.Connection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *netconn.Connection) {
	xlog.Infof("tcpserver[%s]: removing connection [%s]", s.cfg.Name, conn.Name())

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	conn.Loop().QueueInLoop(conn.ConnectDestroyed)
}

// Stop tears down every live connection and stops the loop pool's worker
// threads. The base loop itself is left running — the caller owns it.
func (s *TcpServer) Stop() {
	s.mu.Lock()
	conns := make([]*netconn.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ForceClose()
	}
	s.acceptor.Close()
	s.pool.Quit()
}
