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

import "github.com/nettle-go/treactor/internal/loadbalance"

// EventLoopThreadPool owns a borrowed base loop (the main reactor) and N
// worker EventLoopThreads. New connections are distributed across the
// workers in strict round-robin order via GetNextLoop.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	numLoops int

	threads []*EventLoopThread
	lb      loadbalance.LoadBalance
}

// NewEventLoopThreadPool constructs a pool that will spawn numLoops worker
// threads on Start. numLoops == 0 means single-reactor: GetNextLoop always
// returns baseLoop.
func NewEventLoopThreadPool(baseLoop *EventLoop, numLoops int) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, numLoops: numLoops}
}

// Start spawns all worker threads, invoking initCallback against each
// worker's loop as it comes up. If the pool has zero worker threads,
// initCallback (if any) is invoked once against the base loop instead, and
// GetNextLoop will always return the base loop.
func (p *EventLoopThreadPool) Start(initCallback func(*EventLoop)) {
	if p.numLoops == 0 {
		if initCallback != nil {
			initCallback(p.baseLoop)
		}
		return
	}

	p.lb = loadbalance.GetBalanceBuilder(loadbalance.RoundRobin)()
	for i := 0; i < p.numLoops; i++ {
		th := NewEventLoopThread(initCallback)
		loop := th.StartLoop()
		p.threads = append(p.threads, th)
		p.lb.Register(loop)
	}
}

// GetNextLoop returns the next worker loop in round-robin order, or the
// base loop if the pool has no workers.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	if p.lb == nil || p.lb.Len() == 0 {
		return p.baseLoop
	}
	return p.lb.Pick().(*EventLoop)
}

// Stop quits and joins every worker thread.
func (p *EventLoopThreadPool) Stop() {
	for _, th := range p.threads {
		th.Stop()
	}
}
