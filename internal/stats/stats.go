// Package stats holds the process-wide connection/traffic counters and a
// periodic reporter, adapted from the teacher's internal/util stats
// singleton to the reactor's connection lifecycle.
package stats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Global is the process-wide counter singleton.
var Global = &Counters{}

type Counters struct {
	TotalConns  atomic.Int64 // cumulative connections accepted/connected since start
	ClosedConns atomic.Int64 // cumulative connections that reached Disconnected
	BytesSent   atomic.Int64 // cumulative bytes written to connection sockets
	BytesRecv   atomic.Int64 // cumulative bytes read from connection sockets
}

func (c *Counters) AddConn()      { c.TotalConns.Add(1) }
func (c *Counters) RemoveConn()   { c.ClosedConns.Add(1) }
func (c *Counters) AddSent(n int) { c.BytesSent.Add(int64(n)) }
func (c *Counters) AddRecv(n int) { c.BytesRecv.Add(int64(n)) }

// StartReporter launches a goroutine that logs throughput/connection deltas
// every interval until ctx is cancelled. It is independent of any loop
// thread — the reporter is plain observability, not reactor machinery.
func StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Global.TotalConns.Load()
				closed := Global.ClosedConns.Load()
				sent := Global.BytesSent.Load()
				recv := Global.BytesRecv.Load()

				secs := interval.Seconds()
				inS := float64(recv-prevRecv) / secs
				outS := float64(sent-prevSent) / secs
				upC := total - prevTotal
				downC := closed - prevClosed

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC))
				}

				prevSent, prevRecv, prevTotal, prevClosed = sent, recv, total, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders a byte rate into a fixed-width (8 char) string.
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, upC, downC int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Conn: %2d↑ %2d↓",
		formatBytes(outS), formatBytes(inS), upC, downC)
}
