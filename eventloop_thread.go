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

import "sync"

// EventLoopThread spawns one goroutine whose body constructs an EventLoop,
// runs an optional init callback against it, publishes the loop pointer
// back to the caller, and then runs the loop until Stop is called.
type EventLoopThread struct {
	mu           sync.Mutex
	cond         *sync.Cond
	loop         *EventLoop
	initCallback func(*EventLoop)
	done         chan struct{}
}

// NewEventLoopThread constructs a thread that will invoke initCallback (if
// non-nil) against the loop it creates, before the loop starts serving.
func NewEventLoopThread(initCallback func(*EventLoop)) *EventLoopThread {
	t := &EventLoopThread{initCallback: initCallback, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the worker goroutine and blocks until its EventLoop has
// been constructed, returning the loop pointer. The pointer is only valid
// for as long as the worker goroutine is still running; it is invalidated
// once Stop returns.
func (t *EventLoopThread) StartLoop() *EventLoop {
	go t.run()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *EventLoopThread) run() {
	loop := NewEventLoop()
	if t.initCallback != nil {
		t.initCallback(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
	close(t.done)
}

// Stop quits the worker loop and waits for its goroutine to return.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
	}
	<-t.done
}
