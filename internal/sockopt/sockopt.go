// Package sockopt wraps the raw socket-creation and setsockopt calls the
// reactor core needs, grounded directly on original_source/Socket.cc and
// Socket.h (the C++ this spec was distilled from). The teacher repo never
// touches a raw socket — it builds on pion/gorilla — so this package's
// "teacher idiom" is the rest of the pack's epoll-reactor examples, which
// all go straight to golang.org/x/sys/unix for this layer.
package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CreateNonblockingSocket creates a non-blocking, close-on-exec IPv4 TCP
// socket, ready for Bind/Listen or Connect.
func CreateNonblockingSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("sockopt: socket: %w", err)
	}
	return fd, nil
}

// BindInet4 binds fd to the given IPv4 address and port (0.0.0.0 if ip is
// empty, meaning "all interfaces").
func BindInet4(fd int, ip string, port int) error {
	addr := &unix.SockaddrInet4{Port: port}
	if ip != "" {
		parsed := parseIPv4(ip)
		addr.Addr = parsed
	}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("sockopt: bind: %w", err)
	}
	return nil
}

// Listen marks fd as a passive socket with the given backlog.
func Listen(fd int, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("sockopt: listen: %w", err)
	}
	return nil
}

// Accept accepts a connection on the listening fd, returning a
// non-blocking, close-on-exec connected socket and the peer's address.
// Mirrors Socket::accept's accept4(SOCK_NONBLOCK|SOCK_CLOEXEC) call.
func Accept(listenFd int) (connFd int, peer unix.Sockaddr, err error) {
	connFd, peer, err = unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return connFd, peer, nil
}

// Connect issues a non-blocking connect; EINPROGRESS is not an error at
// this layer, the caller (Connector) is responsible for watching for
// writability and checking SO_ERROR once it fires.
func Connect(fd int, ip string, port int) error {
	addr := &unix.SockaddrInet4{Port: port, Addr: parseIPv4(ip)}
	err := unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		return err
	}
	return nil
}

// ShutdownWrite half-closes the write side of fd (SHUT_WR), the non-fatal
// equivalent of Socket::shutdownWrite.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

func setBoolOpt(fd, level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, level, opt, v)
}

// SetTCPNoDelay toggles Nagle's algorithm.
func SetTCPNoDelay(fd int, on bool) error {
	return setBoolOpt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

// SetReuseAddr toggles SO_REUSEADDR.
func SetReuseAddr(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

// SetReusePort toggles SO_REUSEPORT.
func SetReusePort(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, on)
}

// SetKeepAlive toggles SO_KEEPALIVE.
func SetKeepAlive(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

// SOError reads and clears the socket's pending error (SO_ERROR), the
// way a Connector confirms whether a non-blocking connect succeeded once
// the descriptor becomes writable.
func SOError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// LocalAddr and PeerAddr return the "ip:port" strings for a connected
// socket, used to name Connections (spec.md §4.8's naming scheme).
func LocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	return sockaddrString(sa), nil
}

func PeerAddr(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", err
	}
	return sockaddrString(sa), nil
}

// SockaddrString renders a unix.Sockaddr as "ip:port" (IPv4 only, the
// only family this reactor supports per spec.md §6).
func SockaddrString(sa unix.Sockaddr) string {
	return sockaddrString(sa)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	default:
		return "unknown"
	}
}

func parseIPv4(ip string) [4]byte {
	var out [4]byte
	var a, b, c, d int
	n, err := fmt.Sscanf(ip, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return out
	}
	out[0], out[1], out[2], out[3] = byte(a), byte(b), byte(c), byte(d)
	return out
}
