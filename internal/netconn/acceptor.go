package netconn

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/netpoll"
	"github.com/1ureka/netreactor/internal/reactor"
	"github.com/1ureka/netreactor/internal/sockopt"
	"github.com/1ureka/netreactor/internal/xlog"
)

// Acceptor owns a listening socket on the server's base loop and hands
// every accepted connection to NewConnectionCallback. Grounded on
// original_source/Acceptor.cc/h.
type Acceptor struct {
	loop      *reactor.EventLoop
	fd        int
	channel   *netpoll.Channel
	listening bool

	NewConnectionCallback func(fd int, peerAddr string)
}

// NewAcceptor creates, configures and binds a listening socket for
// ip:port, but does not yet listen — call Listen for that.
func NewAcceptor(loop *reactor.EventLoop, ip string, port int, reusePort bool) (*Acceptor, error) {
	fd, err := sockopt.CreateNonblockingSocket()
	if err != nil {
		return nil, fmt.Errorf("netconn: acceptor socket: %w", err)
	}
	if err := sockopt.SetReuseAddr(fd, true); err != nil {
		sockopt.Close(fd)
		return nil, err
	}
	if err := sockopt.SetReusePort(fd, reusePort); err != nil {
		sockopt.Close(fd)
		return nil, err
	}
	if err := sockopt.BindInet4(fd, ip, port); err != nil {
		sockopt.Close(fd)
		return nil, fmt.Errorf("netconn: acceptor bind %s:%d: %w", ip, port, err)
	}

	a := &Acceptor{loop: loop, fd: fd}
	a.channel = netpoll.New(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// Listen starts accepting connections. Must run on the acceptor's loop.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()
	a.listening = true
	if err := sockopt.Listen(a.fd, config.DefaultListenBacklog); err != nil {
		return err
	}
	a.channel.EnableReading()
	return nil
}

// LocalAddr returns the "ip:port" the listening socket is bound to —
// useful when binding to port 0 and letting the kernel choose.
func (a *Acceptor) LocalAddr() (string, error) {
	return sockopt.LocalAddr(a.fd)
}

// Close de-registers the listening channel and closes its fd. Safe to
// call from any goroutine: the work runs on the acceptor's loop.
func (a *Acceptor) Close() {
	a.loop.RunInLoop(func() {
		a.channel.DisableAll()
		a.channel.Remove()
		sockopt.Close(a.fd)
	})
}

func (a *Acceptor) handleRead(_ time.Time) {
	connFd, peer, err := sockopt.Accept(a.fd)
	if err != nil {
		xlog.Errorf("netconn: accept error: %v", err)
		if err == unix.EMFILE {
			xlog.Errorf("netconn: fd limit reached accepting on listener fd=%d", a.fd)
		}
		return
	}

	if a.NewConnectionCallback == nil {
		sockopt.Close(connFd)
		return
	}
	a.NewConnectionCallback(connFd, sockopt.SockaddrString(peer))
}
