// Command echoclient dials an echoserver, sends one line from stdin (or
// a -message flag), and prints whatever comes back. Grounded on
// original_source/example/echoServer/client.cc.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/netreactor/internal/buffer"
	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/netconn"
	"github.com/1ureka/netreactor/internal/reactor"
	"github.com/1ureka/netreactor/internal/tcpclient"
	"github.com/1ureka/netreactor/internal/xlog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", 9981, "server port")
	message := flag.String("message", "", "message to send once connected (reads a line from stdin if empty)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		xlog.EnableDebug()
	}

	pterm.DefaultHeader.Println("netreactor echoclient")

	loop, err := reactor.New()
	if err != nil {
		xlog.Errorf("creating loop: %v", err)
		os.Exit(1)
	}
	go func() {
		runtime.LockOSThread()
		loop.Loop()
	}()
	defer loop.Quit()

	client := tcpclient.New(loop, *host, *port, config.DefaultClientConfig("echoclient"))

	connected := make(chan struct{})
	client.SetConnectionCallback(func(c *netconn.Connection) {
		if c.Connected() {
			close(connected)
		} else {
			xlog.Infof("connection to %s closed", c.PeerAddr())
		}
	})

	reply := make(chan string, 1)
	client.SetMessageCallback(func(c *netconn.Connection, buf *buffer.Buffer, ts time.Time) {
		reply <- buf.RetrieveAllAsString()
	})

	client.Connect()

	select {
	case <-connected:
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
		xlog.Errorf("timed out connecting to %s:%d", *host, *port)
		os.Exit(1)
	}

	msg := *message
	if msg == "" {
		xlog.Infof("enter a line to send:")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			msg = scanner.Text()
		}
	}

	conn := client.Connection()
	if conn == nil {
		xlog.Errorf("no active connection")
		os.Exit(1)
	}
	conn.Send([]byte(msg))

	select {
	case got := <-reply:
		fmt.Println(got)
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		xlog.Errorf("timed out waiting for echo")
		os.Exit(1)
	}

	client.Disconnect()
}
