// Package reactor implements spec.md §4.4's EventLoop and the thread
// machinery around it: one loop per OS thread, readiness handed to it by
// an internal/netpoll.Demultiplexer, cross-thread work injected through a
// pending-task queue woken by an eventfd. Grounded on
// original_source/EventLoop.cc/h, original_source/EventLoopThread.cc/h
// and original_source/EventLoopThreadPool.cc/h; Go has no thread-local
// storage, so the original's "one loop per thread, enforced via a
// thread-local current-loop pointer" becomes runtime.LockOSThread()
// pinning a goroutine to its OS thread plus an explicit tid comparison,
// the same substitution the pack's other_examples epoll reactors make.
package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/netpoll"
	"github.com/1ureka/netreactor/internal/xlog"
)

// EventLoop owns one Demultiplexer and runs on exactly one goroutine,
// which must have called runtime.LockOSThread before Loop is invoked.
// RunInLoop/QueueInLoop/Quit/IsInLoopThread may be called from any
// goroutine; the rest belongs to the owning goroutine, which Channel
// checks with AssertInLoopThread before it calls UpdateChannel or
// RemoveChannel. Loop and HasChannel do not assert.
type EventLoop struct {
	demux *netpoll.Demultiplexer

	looping       atomic.Bool
	quit          atomic.Bool
	eventHandling atomic.Bool

	threadID atomic.Int64 // constructing thread, replaced by the running thread once Loop() starts

	activeChannels []*netpoll.Channel

	mu                     sync.Mutex
	pendingFunctors        []func()
	callingPendingFunctors atomic.Bool

	wakeupFd      int
	wakeupChannel *netpoll.Channel

	pollTimeout time.Duration
}

// New creates an EventLoop bound to a fresh epoll instance and wakeup
// descriptor. The loop is not yet running — call Loop() from the
// goroutine that will own it.
func New() (*EventLoop, error) {
	demux, err := netpoll.New()
	if err != nil {
		return nil, fmt.Errorf("reactor: creating demultiplexer: %w", err)
	}
	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		demux.Close()
		return nil, fmt.Errorf("reactor: creating wakeup eventfd: %w", err)
	}

	loop := &EventLoop{
		demux:       demux,
		wakeupFd:    wakeupFd,
		pollTimeout: config.DefaultPollTimeout,
	}
	loop.threadID.Store(int64(unix.Gettid()))
	loop.wakeupChannel = netpoll.New(loop, wakeupFd)
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.EnableReading()
	return loop, nil
}

// Loop runs the poll/dispatch/pending-functors cycle until Quit is
// called. It must run on the goroutine that owns this EventLoop, pinned
// with runtime.LockOSThread by the caller (LoopThread does this).
func (l *EventLoop) Loop() {
	l.looping.Store(true)
	l.quit.Store(false)
	l.threadID.Store(int64(unix.Gettid()))
	xlog.Debugf("reactor: EventLoop %p starting, tid=%d", l, l.threadID.Load())

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		ts, err := l.demux.Poll(l.pollTimeout, &l.activeChannels)
		if err != nil {
			xlog.Errorf("reactor: poll error: %v", err)
			continue
		}

		l.eventHandling.Store(true)
		for _, ch := range l.activeChannels {
			ch.HandleEvent(ts)
		}
		l.eventHandling.Store(false)

		l.doPendingFunctors()
	}

	xlog.Debugf("reactor: EventLoop %p stopping", l)
	l.looping.Store(false)
}

// Quit asks the loop to stop. Safe to call from any goroutine; if called
// from a different thread it wakes the loop so the request is observed
// promptly rather than after the next poll timeout.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop runs fn on the loop's own goroutine: immediately, if the
// caller is already on it; otherwise queued and the loop is woken.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop always defers fn to run after the current (or next) poll
// iteration's event dispatch, even when called from the loop's own
// goroutine while already processing pending functors — this is what
// lets a callback schedule follow-up work for "next time around"
// instead of recursing.
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

func (l *EventLoop) doPendingFunctors() {
	var functors []func()
	l.mu.Lock()
	functors, l.pendingFunctors = l.pendingFunctors, nil
	l.mu.Unlock()

	l.callingPendingFunctors.Store(true)
	for _, fn := range functors {
		fn()
	}
	l.callingPendingFunctors.Store(false)
}

// UpdateChannel implements netpoll.Owner.
func (l *EventLoop) UpdateChannel(c *netpoll.Channel) {
	if err := l.demux.UpdateChannel(c); err != nil {
		xlog.Warnf("reactor: updating channel fd=%d: %v", c.Fd(), err)
	}
}

// RemoveChannel implements netpoll.Owner.
func (l *EventLoop) RemoveChannel(c *netpoll.Channel) {
	if err := l.demux.RemoveChannel(c); err != nil {
		xlog.Warnf("reactor: removing channel fd=%d: %v", c.Fd(), err)
	}
}

// HasChannel reports whether c is currently registered with this loop.
func (l *EventLoop) HasChannel(c *netpoll.Channel) bool {
	return l.demux.HasChannel(c)
}

// IsInLoopThread reports whether the calling goroutine's OS thread is
// this loop's owning thread.
func (l *EventLoop) IsInLoopThread() bool {
	return int64(unix.Gettid()) == l.threadID.Load()
}

// AssertInLoopThread implements netpoll.Owner; it panics (matching the
// original's LOG_FATAL — this invariant is a programming error, not a
// recoverable condition) if called off the owning thread.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		panic(fmt.Sprintf("reactor: EventLoop %p used from a non-owning thread", l))
	}
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFd, buf[:]); err != nil {
		xlog.Warnf("reactor: wakeup write: %v", err)
	}
}

func (l *EventLoop) handleWakeupRead(ts time.Time) {
	var buf [8]byte
	if _, err := unix.Read(l.wakeupFd, buf[:]); err != nil {
		xlog.Warnf("reactor: wakeup read: %v", err)
	}
}
