// Package netpoll implements spec.md §4.2–§4.3: the epoll-backed
// Demultiplexer and the per-descriptor Channel handle it dispatches
// through. There is no direct analogue in the teacher repo — 1ureka-roj1
// never touches a raw socket's readiness directly, it hands that off to
// pion/gorilla — so this package is grounded on original_source/Channel.cc,
// original_source/Channel.h and original_source/EPollPoller.cc (the C++
// implementation this spec was distilled from), with idiomatic epoll
// wiring borrowed from the pack's other_examples epoll-based reactors
// (entertainment-venue/rcproxy's core/eventloop.go and darinkes/gnet's
// gnet.go both register raw fds with golang.org/x/sys/unix the same way).
package netpoll

import (
	"time"
	"weak"

	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of epoll readiness/interest bits.
type EventMask uint32

const (
	EventNone  EventMask = 0
	EventRead  EventMask = unix.EPOLLIN | unix.EPOLLPRI
	EventWrite EventMask = unix.EPOLLOUT
)

// Tag is a channel's registration-state tag (spec.md §4.2).
type Tag int

const (
	TagNew Tag = iota
	TagAdded
	TagDeleted
)

// Owner is the subset of EventLoop a Channel needs: re-registering itself
// with the loop's demultiplexer whenever its interest mask changes, and
// asserting thread affinity. Declaring it here (rather than importing the
// reactor package) is what lets netpoll and reactor avoid an import cycle:
// reactor.EventLoop implements Owner, netpoll.Channel only depends on the
// interface.
type Owner interface {
	UpdateChannel(c *Channel)
	RemoveChannel(c *Channel)
	AssertInLoopThread()
}

// Guard is an opaque "still alive" marker. A Connection (or any other
// channel owner) keeps one strongly referenced for as long as it is
// logically alive and hands Channel a weak reference via SetGuard; when
// the owner tears itself down it drops its strong reference (and, on
// Go's GC, that is enough for weak.Pointer.Value to start returning nil).
// This is the Go shape of spec.md §4.3's "weak lifetime guard": dispatch
// promotes weak-to-strong and no-ops if promotion fails, handling a
// connection destroyed by the user between readiness and dispatch within
// the same poll batch (see HandleEvent below).
type Guard struct{ _ byte }

// NewGuard allocates a fresh alive-marker.
func NewGuard() *Guard { return &Guard{} }

// Channel is a non-owning handle for one descriptor bound to one loop.
// A Channel never outlives its loop (spec.md §3); callers construct one
// per descriptor and call Remove() before closing the descriptor.
type Channel struct {
	fd    int
	owner Owner

	events  EventMask // interest
	revents EventMask // last reported by poll
	tag     Tag

	guard    weak.Pointer[Guard]
	hasGuard bool

	readCB  func(ts time.Time)
	writeCB func()
	closeCB func()
	errorCB func()
}

// New creates a Channel for fd, owned by owner. The channel starts with
// no interest and tag New — it is not registered with the demultiplexer
// until EnableReading/EnableWriting is called.
func New(owner Owner, fd int) *Channel {
	return &Channel{fd: fd, owner: owner, tag: TagNew}
}

func (c *Channel) Fd() int          { return c.fd }
func (c *Channel) Events() EventMask { return c.events }
func (c *Channel) Tag() Tag          { return c.tag }
func (c *Channel) SetTag(t Tag)      { c.tag = t }

// SetRevents records the readiness mask the demultiplexer observed for
// this channel in the most recent poll.
func (c *Channel) SetRevents(mask EventMask) { c.revents = mask }

// SetGuard installs a weak reference to g as this channel's lifetime
// guard. Passing nil clears it (no guard — dispatch always proceeds).
func (c *Channel) SetGuard(g *Guard) {
	if g == nil {
		c.hasGuard = false
		return
	}
	c.guard = weak.Make(g)
	c.hasGuard = true
}

func (c *Channel) SetReadCallback(fn func(ts time.Time)) { c.readCB = fn }
func (c *Channel) SetWriteCallback(fn func())            { c.writeCB = fn }
func (c *Channel) SetCloseCallback(fn func())             { c.closeCB = fn }
func (c *Channel) SetErrorCallback(fn func())             { c.errorCB = fn }

func (c *Channel) EnableReading()  { c.events |= EventRead; c.update() }
func (c *Channel) DisableReading() { c.events &^= EventRead; c.update() }
func (c *Channel) EnableWriting()  { c.events |= EventWrite; c.update() }
func (c *Channel) DisableWriting() { c.events &^= EventWrite; c.update() }
func (c *Channel) DisableAll()     { c.events = EventNone; c.update() }

func (c *Channel) IsWriting() bool   { return c.events&EventWrite != 0 }
func (c *Channel) IsReading() bool   { return c.events&EventRead != 0 }
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) update() { c.owner.AssertInLoopThread(); c.owner.UpdateChannel(c) }

// Remove de-registers the channel from its owner's demultiplexer. The
// caller still owns the descriptor and must close it separately, after
// Remove returns (spec.md §5: channels are removed before their fd is
// closed).
func (c *Channel) Remove() {
	c.owner.AssertInLoopThread()
	c.owner.RemoveChannel(c)
}

// HandleEvent dispatches the last reported readiness to the appropriate
// callback, in the order spec.md §4.3 mandates: close, then error, then
// read, then write. If a guard is installed and its target has been
// reclaimed, the event is dropped with no callback invoked at all.
func (c *Channel) HandleEvent(ts time.Time) {
	if c.hasGuard && c.guard.Value() == nil {
		return
	}
	c.dispatch(ts)
}

func (c *Channel) dispatch(ts time.Time) {
	if c.revents&unix.EPOLLHUP != 0 && c.revents&EventRead == 0 {
		if c.closeCB != nil {
			c.closeCB()
		}
		return
	}
	if c.revents&(unix.EPOLLERR) != 0 {
		if c.errorCB != nil {
			c.errorCB()
		}
	}
	if c.revents&EventRead != 0 {
		if c.readCB != nil {
			c.readCB(ts)
		}
	}
	if c.revents&EventWrite != 0 {
		if c.writeCB != nil {
			c.writeCB()
		}
	}
}
