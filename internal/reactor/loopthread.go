package reactor

import "runtime"

// LoopThread owns one EventLoop running on a dedicated, OS-thread-pinned
// goroutine. Grounded on original_source/EventLoopThread.cc/h; the
// original blocks on a condition variable until the worker publishes its
// loop pointer, which here becomes a buffered channel handoff — more
// idiomatic than porting sync.Cond for a one-shot signal.
type LoopThread struct {
	loop    *EventLoop
	started chan *EventLoop
	done    chan struct{}
}

// NewLoopThread returns an unstarted LoopThread.
func NewLoopThread() *LoopThread {
	return &LoopThread{
		started: make(chan *EventLoop, 1),
		done:    make(chan struct{}),
	}
}

// StartLoop spawns the worker goroutine, pins it to its OS thread, and
// blocks until the new EventLoop is constructed and handed back,
// returning it; the worker enters Loop right after. Safe to call at most
// once.
func (t *LoopThread) StartLoop(initCb func(*EventLoop)) *EventLoop {
	go t.run(initCb)
	t.loop = <-t.started
	return t.loop
}

func (t *LoopThread) run(initCb func(*EventLoop)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	loop, err := New()
	if err != nil {
		// Nothing sensible to do but give up this thread; the caller
		// blocked on StartLoop would hang forever otherwise, so report
		// a nil loop and let it decide.
		t.started <- nil
		return
	}
	if initCb != nil {
		initCb(loop)
	}
	t.started <- loop
	loop.Loop()
}

// Quit stops the loop and waits for its goroutine to exit.
func (t *LoopThread) Quit() {
	if t.loop == nil {
		return
	}
	t.loop.Quit()
	<-t.done
}
