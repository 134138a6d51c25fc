package netpoll

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/netreactor/internal/config"
	"github.com/1ureka/netreactor/internal/xlog"
)

// Demultiplexer is the epoll-backed readiness poller one EventLoop owns
// (spec.md §4.2). It is grounded on original_source/EPollPoller.cc — the
// only structural change is an Owner-decoupled Channel (see channel.go)
// so this package doesn't need to import reactor.
type Demultiplexer struct {
	epfd     int
	channels map[int]*Channel // fd -> channel, nil entries never kept
	events   []unix.EpollEvent
}

// New creates an epoll instance. CLOEXEC matches the teacher's socket
// helpers always setting close-on-exec on kernel-visible descriptors.
func New() (*Demultiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Demultiplexer{
		epfd:     fd,
		channels: make(map[int]*Channel),
		events:   make([]unix.EpollEvent, config.DefaultEventListSize),
	}, nil
}

// Close releases the epoll descriptor. Callers must have already removed
// every channel; Close does not do that for them.
func (d *Demultiplexer) Close() error {
	return unix.Close(d.epfd)
}

// Poll blocks for up to timeout waiting for readiness, appending every
// ready channel to active (active is truncated to zero length first, the
// slice's backing array is reused across calls — the same "scratch list
// reused per iteration" shape as spec.md §4.4's active-channel list).
// It returns the timestamp at which poll woke, per spec.md §4.3: read
// callbacks receive "the instant readiness was observed," not the
// instant the callback runs.
func (d *Demultiplexer) Poll(timeout time.Duration, active *[]*Channel) (time.Time, error) {
	ms := msTimeout(timeout)
	n, err := unix.EpollWait(d.epfd, d.events, ms)
	ts := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return ts, nil
		}
		return ts, err
	}

	*active = (*active)[:0]
	for i := 0; i < n; i++ {
		fd := int(d.events[i].Fd)
		c, ok := d.channels[fd]
		if !ok {
			continue
		}
		c.SetRevents(EventMask(d.events[i].Events))
		*active = append(*active, c)
	}

	if n == len(d.events) {
		d.events = make([]unix.EpollEvent, len(d.events)*2)
	}
	return ts, nil
}

// UpdateChannel registers or re-registers a channel's interest mask,
// implementing the registration-state machine in spec.md §4.2:
//
//	New|Deleted --(any update)--> Added     (epoll_ctl ADD, map insert)
//	Added       --(no interest)-->  Deleted (epoll_ctl DEL, map entry kept)
//	Added       --(interest changed)--> Added (epoll_ctl MOD)
func (d *Demultiplexer) UpdateChannel(c *Channel) error {
	switch c.Tag() {
	case TagNew:
		d.channels[c.Fd()] = c
		c.SetTag(TagAdded)
		return d.ctl(unix.EPOLL_CTL_ADD, c)
	case TagDeleted:
		c.SetTag(TagAdded)
		return d.ctl(unix.EPOLL_CTL_ADD, c)
	default: // TagAdded
		if c.IsNoneEvent() {
			c.SetTag(TagDeleted)
			return d.ctl(unix.EPOLL_CTL_DEL, c)
		}
		return d.ctl(unix.EPOLL_CTL_MOD, c)
	}
}

// RemoveChannel de-registers a channel entirely: epoll_ctl DEL (only if
// it was still kernel-registered) and drop the map entry.
//
// Mirrors a quirk of the original EPollPoller::removeChannel: the tag is
// left exactly as it was rather than cleared — the original assigns the
// channel's own current index back to itself, a no-op. spec.md §9 records
// this as "sets the tag back to its previous value rather than to New";
// the channel is expected to be discarded immediately after removal
// anyway, so the untouched tag is harmless in practice. Kept here
// unchanged: the tag is simply never written.
func (d *Demultiplexer) RemoveChannel(c *Channel) error {
	fd := c.Fd()
	var err error
	if c.Tag() == TagAdded {
		err = d.ctl(unix.EPOLL_CTL_DEL, c)
		if err != nil {
			xlog.Warnf("netpoll: epoll_ctl(DEL) fd=%d: %v", fd, err)
		}
	}
	delete(d.channels, fd)
	return err
}

// HasChannel reports whether c is currently tracked by this demultiplexer.
func (d *Demultiplexer) HasChannel(c *Channel) bool {
	found, ok := d.channels[c.Fd()]
	return ok && found == c
}

func (d *Demultiplexer) ctl(op int, c *Channel) error {
	ev := unix.EpollEvent{Events: uint32(c.Events()), Fd: int32(c.Fd())}
	return unix.EpollCtl(d.epfd, op, c.Fd(), &ev)
}

// msTimeout converts a time.Duration to the millisecond timeout
// epoll_wait expects, clamping negative durations to 0 (non-blocking)
// rather than -1 (block forever) — callers that want to block forever
// pass a duration large enough that this never matters.
func msTimeout(d time.Duration) int {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)>>1) {
		return int(^uint32(0) >> 1)
	}
	return int(ms)
}
