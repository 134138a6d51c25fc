package sockopt

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseIPv4(t *testing.T) {
	cases := map[string][4]byte{
		"127.0.0.1":     {127, 0, 0, 1},
		"0.0.0.0":       {0, 0, 0, 0},
		"255.255.255.0": {255, 255, 255, 0},
	}
	for in, want := range cases {
		if got := parseIPv4(in); got != want {
			t.Errorf("parseIPv4(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBindListenAcceptConnectRoundTrip(t *testing.T) {
	listenFd, err := CreateNonblockingSocket()
	if err != nil {
		t.Fatalf("CreateNonblockingSocket: %v", err)
	}
	defer Close(listenFd)

	if err := SetReuseAddr(listenFd, true); err != nil {
		t.Fatalf("SetReuseAddr: %v", err)
	}
	if err := BindInet4(listenFd, "127.0.0.1", 0); err != nil {
		t.Fatalf("BindInet4: %v", err)
	}
	if err := Listen(listenFd, 128); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	addr, err := LocalAddr(listenFd)
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	port := portFromAddrString(t, addr)

	clientFd, err := CreateNonblockingSocket()
	if err != nil {
		t.Fatalf("CreateNonblockingSocket (client): %v", err)
	}
	defer Close(clientFd)

	if err := Connect(clientFd, "127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitReadable(t, listenFd)

	connFd, _, err := Accept(listenFd)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer Close(connFd)

	if err := SetTCPNoDelay(connFd, true); err != nil {
		t.Fatalf("SetTCPNoDelay: %v", err)
	}
	if err := SOError(connFd); err != nil {
		t.Fatalf("SOError on healthy socket = %v, want nil", err)
	}
}

func portFromAddrString(t *testing.T, addr string) int {
	t.Helper()
	var a, b, c, d, port int
	if _, err := fmt.Sscanf(addr, "%d.%d.%d.%d:%d", &a, &b, &c, &d, &port); err != nil {
		t.Fatalf("parsing addr %q: %v", addr, err)
	}
	return port
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for i := 0; i < 50; i++ {
		n, err := unix.Poll(pfd, 100)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 {
			return
		}
	}
	t.Fatalf("timed out waiting for listen fd to become readable")
}
