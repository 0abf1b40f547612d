//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package treactor

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/nettle-go/treactor/internal/poller"
	"github.com/nettle-go/treactor/log"
	"github.com/nettle-go/treactor/metrics"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// pollTimeoutMS bounds a single poll call so a loop with no I/O activity
// still makes progress on pending functors.
const pollTimeoutMS = 10_000

var (
	loopOwnersMu sync.Mutex
	loopOwners   = make(map[int64]*EventLoop)
)

// EventLoop is a single-threaded event dispatcher: one loop runs on exactly
// one goroutine for its entire life, and every Channel it owns may only be
// mutated from that goroutine. Cross-goroutine interaction is limited to
// RunInLoop/QueueInLoop (a mutex-guarded pending-functor queue) and Wakeup
// (an eventfd-backed Channel that exists solely to make poll return).
type EventLoop struct {
	goroutineID int64
	poll        poller.Poller

	activeChannels []poller.Channel

	mu                     sync.Mutex
	pendingFunctors        []func()
	callingPendingFunctors atomic.Bool

	quitting atomic.Bool

	wakeupFD      int
	wakeupChannel *Channel
}

// NewEventLoop constructs an EventLoop bound to the calling goroutine. It is
// a fatal error to construct a second loop on the same goroutine.
func NewEventLoop() *EventLoop {
	gid := goroutineID()

	loopOwnersMu.Lock()
	if _, exists := loopOwners[gid]; exists {
		loopOwnersMu.Unlock()
		log.Fatalf("treactor: another EventLoop already exists in this goroutine (id %d)", gid)
	}
	loopOwnersMu.Unlock()

	p, err := poller.NewPoller()
	if err != nil {
		log.Fatalf("treactor: create poller: %v", err)
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Fatalf("treactor: create wakeup eventfd: %v", err)
	}

	loop := &EventLoop{
		goroutineID: gid,
		poll:        p,
		wakeupFD:    wakeupFD,
	}
	loop.wakeupChannel = NewChannel(loop, wakeupFD)
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.EnableReading()

	loopOwnersMu.Lock()
	loopOwners[gid] = loop
	loopOwnersMu.Unlock()

	return loop
}

// Loop runs the dispatch loop until Quit is called. It must be called from
// the goroutine that constructed the loop, and normally does not return
// until shutdown.
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	for !l.quitting.Load() {
		l.activeChannels = l.activeChannels[:0]
		active, now, err := l.poll.Poll(pollTimeoutMS)
		if err != nil {
			log.Errorf("treactor: poll: %v", err)
			continue
		}
		metrics.Add(metrics.EpollWaitCalls, 1)
		metrics.Add(metrics.EpollWaitEvents, uint64(len(active)))
		if len(active) == 0 {
			metrics.Add(metrics.EpollWaitTimeouts, 1)
		}
		l.activeChannels = append(l.activeChannels, active...)
		for _, ch := range l.activeChannels {
			ch.(*Channel).HandleEvent(now)
		}
		l.doPendingFunctors()
	}
}

// Quit causes Loop to exit at the top of its next iteration. It is safe to
// call from any goroutine; if called cross-goroutine, a Wakeup ensures a
// blocked poll returns promptly instead of waiting out the full timeout.
func (l *EventLoop) Quit() {
	l.quitting.Store(true)
	if !l.IsInLoopThread() {
		l.Wakeup()
	}
}

// RunInLoop invokes f synchronously if called from the loop's own
// goroutine; otherwise it posts f via QueueInLoop.
func (l *EventLoop) RunInLoop(f func()) {
	if l.IsInLoopThread() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop appends f to the pending-functor queue under the mutex and
// wakes the loop if the caller isn't on the loop's own goroutine, or if the
// loop is already in the middle of draining its pending functors (so a
// functor enqueued by another functor is still picked up promptly on the
// next iteration rather than waiting for the next readiness event).
func (l *EventLoop) QueueInLoop(f func()) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, f)
	calling := l.callingPendingFunctors.Load()
	l.mu.Unlock()

	if !l.IsInLoopThread() || calling {
		l.Wakeup()
	}
}

func (l *EventLoop) doPendingFunctors() {
	l.mu.Lock()
	functors := l.pendingFunctors
	l.pendingFunctors = nil
	l.mu.Unlock()

	l.callingPendingFunctors.Store(true)
	for _, f := range functors {
		f()
	}
	metrics.Add(metrics.LoopPendingFunctorsRun, uint64(len(functors)))
	l.callingPendingFunctors.Store(false)
}

// Wakeup writes an 8-byte counter to the wakeup eventfd so a blocked poll
// returns. The counter's value is never interpreted; the only observable
// effect is poll's return.
func (l *EventLoop) Wakeup() {
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(l.wakeupFD, one[:]); err != nil {
		log.Errorf("treactor: wakeup write: %v", err)
	}
}

func (l *EventLoop) handleWakeupRead(time.Time) {
	var buf [8]byte
	n, err := unix.Read(l.wakeupFD, buf[:])
	if err != nil || n != 8 {
		log.Errorf("treactor: unexpected wakeup read: n=%d err=%v", n, err)
		return
	}
	metrics.Add(metrics.LoopWakeups, 1)
}

// UpdateChannel registers ch's current interest with the loop's poller. It
// must be called from the loop's own goroutine.
func (l *EventLoop) UpdateChannel(ch *Channel) {
	if err := l.poll.UpdateChannel(ch); err != nil {
		log.Errorf("treactor: update channel fd %d: %v", ch.Fd(), err)
	}
}

// RemoveChannel erases ch from the loop's poller. It must be called from
// the loop's own goroutine.
func (l *EventLoop) RemoveChannel(ch *Channel) {
	if err := l.poll.RemoveChannel(ch); err != nil {
		log.Errorf("treactor: remove channel fd %d: %v", ch.Fd(), err)
	}
}

// HasChannel reports whether ch is currently tracked by the loop's poller.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	return l.poll.HasChannel(ch)
}

// IsInLoopThread reports whether the calling goroutine is the one that
// constructed this loop.
func (l *EventLoop) IsInLoopThread() bool {
	return goroutineID() == l.goroutineID
}

// AssertInLoopThread is a fatal assertion: it terminates the process if the
// calling goroutine is not the loop's own.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		log.Fatalf("treactor: operation not performed in loop's own goroutine (owner %d, caller %d)",
			l.goroutineID, goroutineID())
	}
}

// goroutineID extracts the calling goroutine's runtime-assigned ID from its
// stack trace header ("goroutine 123 [running]:"). Go deliberately exposes
// no public goroutine-local-storage API; every example in the retrieved
// corpus assumes thread affinity rather than enforcing it, so this uses the
// one portable (if unlovely) standard-library technique instead of
// fabricating a third-party dependency that doesn't exist in the corpus.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		log.Fatalf("treactor: could not parse goroutine id: %v", errors.WithStack(err))
	}
	return id
}
