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

package treactor_test

import (
	"testing"
	"time"

	"github.com/nettle-go/treactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLoop wraps an EventLoop running on its own goroutine, giving tests a
// synchronous way to run work on it and to shut it down.
type testLoop struct {
	loop *treactor.EventLoop
	done chan struct{}
}

func newTestLoop(t *testing.T) *testLoop {
	t.Helper()
	loopCh := make(chan *treactor.EventLoop, 1)
	done := make(chan struct{})
	go func() {
		l := treactor.NewEventLoop()
		loopCh <- l
		l.Loop()
		close(done)
	}()

	select {
	case l := <-loopCh:
		return &testLoop{loop: l, done: done}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop never started")
		return nil
	}
}

// runInLoop posts f onto the loop and blocks until it has run.
func (tl *testLoop) runInLoop(f func()) {
	doneCh := make(chan struct{})
	tl.loop.RunInLoop(func() {
		f()
		close(doneCh)
	})
	<-doneCh
}

func (tl *testLoop) stop() {
	tl.loop.Quit()
	<-tl.done
}

func TestEventLoopRunInLoopFromOwnGoroutine(t *testing.T) {
	ranCh := make(chan bool, 1)
	go func() {
		l := treactor.NewEventLoop()
		var ran bool
		l.RunInLoop(func() { ran = true })
		ranCh <- ran
	}()

	ran := <-ranCh
	assert.True(t, ran, "RunInLoop must execute synchronously when already on the loop's goroutine")
}

func TestEventLoopIsInLoopThread(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	assert.False(t, loop.loop.IsInLoopThread(), "test goroutine is not the loop's own goroutine")

	var inLoop bool
	loop.runInLoop(func() { inLoop = loop.loop.IsInLoopThread() })
	assert.True(t, inLoop)
}

func TestEventLoopQueueInLoopCrossThread(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	ran := make(chan struct{}, 1)
	loop.loop.QueueInLoop(func() { ran <- struct{}{} })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued functor never ran")
	}
}

func TestEventLoopQuitFromAnotherGoroutine(t *testing.T) {
	loop := newTestLoop(t)
	loop.loop.Quit()

	select {
	case <-loop.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not quit after cross-goroutine Quit")
	}
}

func TestEventLoopFunctorQueuedDuringDispatchRunsNextIteration(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	second := make(chan struct{}, 1)
	first := make(chan struct{}, 1)
	loop.loop.QueueInLoop(func() {
		first <- struct{}{}
		loop.loop.QueueInLoop(func() { second <- struct{}{} })
	})

	require.Eventually(t, func() bool {
		select {
		case <-first:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("functor queued from within doPendingFunctors never ran")
	}
}
