// Command echoserver is the reactor's worked example: a TcpServer that
// echoes back whatever it reads. Grounded on
// original_source/example/echoServer/server.cc, restyled after the
// teacher's cmd/roj1 CLI: flag-parsed, pterm-logged, Ctrl+C cancels a
// root context.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/netreactor/internal/buffer"
	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/netconn"
	"github.com/1ureka/netreactor/internal/reactor"
	"github.com/1ureka/netreactor/internal/stats"
	"github.com/1ureka/netreactor/internal/tcpserver"
	"github.com/1ureka/netreactor/internal/xlog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	port := flag.Int("port", 9981, "port to listen on")
	threads := flag.Int("threads", 0, "number of I/O worker loops (0 = single-threaded)")
	framed := flag.Bool("framed", false, "use 4-byte length-prefixed framing instead of raw echo")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		xlog.EnableDebug()
	}

	pterm.DefaultHeader.Println("netreactor echoserver")

	baseLoop, err := reactor.New()
	if err != nil {
		xlog.Errorf("creating base loop: %v", err)
		os.Exit(1)
	}

	cfg := config.DefaultServerConfig("echo")
	cfg.ThreadNum = *threads

	srv, err := tcpserver.New(baseLoop, "0.0.0.0", *port, cfg)
	if err != nil {
		xlog.Errorf("creating server: %v", err)
		os.Exit(1)
	}

	srv.SetConnectionCallback(func(c *netconn.Connection) {
		state := "DOWN"
		if c.Connected() {
			state = "UP"
		}
		xlog.Infof("connection [%s] %s -> %s is %s", c.Name(), c.PeerAddr(), c.LocalAddr(), state)
	})

	if *framed {
		srv.SetMessageCallback(framedEchoCallback())
	} else {
		srv.SetMessageCallback(func(c *netconn.Connection, buf *buffer.Buffer, ts time.Time) {
			c.Send([]byte(buf.RetrieveAllAsString()))
		})
	}

	stats.StartReporter(ctx, 10*time.Second)
	srv.Start()
	xlog.Successf("echoserver listening on :%d (threads=%d, framed=%v)", *port, *threads, *framed)

	go func() {
		runtime.LockOSThread()
		baseLoop.Loop()
	}()
	<-ctx.Done()

	xlog.Infof("shutting down")
	srv.Stop()
	baseLoop.Quit()
}

// framedEchoCallback implements scenario 2 from the spec's worked
// examples: a 4-byte big-endian length prefix precedes each message,
// handled entirely at this layer (spec.md's protobuf-based original
// codec is out of scope — see SPEC_FULL.md).
func framedEchoCallback() func(*netconn.Connection, *buffer.Buffer, time.Time) {
	const headerLen = 4
	const maxMessageLen = 64 << 20

	return func(c *netconn.Connection, buf *buffer.Buffer, ts time.Time) {
		for buf.Readable() >= headerLen {
			length := int(buf.PeekInt32())
			if length < 0 || length > maxMessageLen {
				xlog.Warnf("connection [%s] invalid frame length %d, closing", c.Name(), length)
				c.ForceClose()
				return
			}
			if buf.Readable() < headerLen+length {
				return // wait for the rest of the frame
			}

			buf.Retrieve(headerLen)
			payload := buf.RetrieveAsBytes(length)

			reply := buffer.New()
			reply.AppendInt32(int32(len(payload)))
			reply.Append(payload)
			c.Send([]byte(reply.RetrieveAllAsString()))
		}
	}
}
