package tcpserver

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/netreactor/internal/buffer"
	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/netconn"
	"github.com/1ureka/netreactor/internal/reactor"
)

func newTestBaseLoop(t *testing.T) *reactor.EventLoop {
	t.Helper()
	th := reactor.NewLoopThread()
	loop := th.StartLoop(nil)
	if loop == nil {
		t.Fatalf("StartLoop returned nil loop")
	}
	t.Cleanup(th.Quit)
	return loop
}

func dialLoopback(t *testing.T, base *reactor.EventLoop, port int) *netconn.Connection {
	t.Helper()
	connector := netconn.NewConnector(base, "127.0.0.1", port)
	ch := make(chan *netconn.Connection, 1)
	connector.NewConnectionCallback = func(fd int, peerAddr string) {
		conn := netconn.New(base, "test-client", fd, "", peerAddr, 1<<20, true)
		conn.ConnectEstablished()
		ch <- conn
	}
	connector.Start()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out dialing server")
		return nil
	}
}

func TestServerAcceptsAndEchoes(t *testing.T) {
	base := newTestBaseLoop(t)

	srv, err := New(base, "127.0.0.1", 0, config.DefaultServerConfig("echo"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv.SetMessageCallback(func(c *netconn.Connection, buf *buffer.Buffer, ts time.Time) {
		c.Send([]byte(buf.RetrieveAllAsString()))
	})
	srv.Start()
	t.Cleanup(srv.Stop)

	port := mustPort(t, srv)
	client := dialLoopback(t, base, port)

	received := make(chan string, 1)
	base.RunInLoop(func() {
		client.SetMessageCallback(func(c *netconn.Connection, buf *buffer.Buffer, ts time.Time) {
			received <- buf.RetrieveAllAsString()
		})
	})

	client.Send([]byte("ping"))

	select {
	case got := <-received:
		if got != "ping" {
			t.Errorf("got %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	base := newTestBaseLoop(t)
	srv, err := New(base, "127.0.0.1", 0, config.DefaultServerConfig("idempotent"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.Stop)

	srv.Start()
	srv.Start() // must not panic or double-listen
}

func TestRoundRobinAcrossWorkerLoops(t *testing.T) {
	base := newTestBaseLoop(t)
	cfg := config.DefaultServerConfig("fanout")
	cfg.ThreadNum = 2
	srv, err := New(base, "127.0.0.1", 0, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var loopsSeen atomic.Int32
	var mu sync.Mutex
	seen := make(map[*reactor.EventLoop]bool)
	done := make(chan struct{}, 5)

	srv.SetConnectionCallback(func(c *netconn.Connection) {
		if c.Connected() {
			mu.Lock()
			if !seen[c.Loop()] {
				seen[c.Loop()] = true
				loopsSeen.Add(1)
			}
			mu.Unlock()
			done <- struct{}{}
		}
	})
	srv.Start()
	t.Cleanup(srv.Stop)

	port := mustPort(t, srv)
	for i := 0; i < 5; i++ {
		dialLoopback(t, base, port)
	}

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for connection %d", i)
		}
	}
	if loopsSeen.Load() < 2 {
		t.Errorf("loopsSeen = %d, want at least 2 distinct worker loops exercised", loopsSeen.Load())
	}
}

func mustPort(t *testing.T, srv *TcpServer) int {
	t.Helper()
	addr, err := srv.acceptor.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	idx := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		t.Fatalf("parsing port from %q: %v", addr, err)
	}
	return port
}
