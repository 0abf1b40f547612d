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

package loadbalance

import (
	"sync/atomic"
)

// RoundRobin denotes the name of the round-robin load balance algorithm.
const RoundRobin string = "RoundRobinLB"

func init() {
	RegisterBalanceBuilder(RoundRobin, func() LoadBalance { return &roundRobinLB{} })
}

type roundRobinLB struct {
	workers  []any
	accepted uintptr
	size     int
}

// Name returns the load balance algorithm name.
func (r *roundRobinLB) Name() string {
	return RoundRobin
}

// Register adds a worker to the pool.
func (r *roundRobinLB) Register(worker any) {
	r.workers = append(r.workers, worker)
	r.size++
}

// Pick returns the next worker in strict round-robin order: the first
// call returns worker 0, the second worker 1, wrapping back to 0 after
// size calls.
func (r *roundRobinLB) Pick() any {
	idx := int(atomic.AddUintptr(&r.accepted, 1)-1) % r.size
	return r.workers[idx]
}

// Len returns the number of registered workers.
func (r *roundRobinLB) Len() int {
	return r.size
}

// Iterate walks the registered workers in registration order.
func (r *roundRobinLB) Iterate(f func(int, any) bool) {
	for index, worker := range r.workers {
		if !f(index, worker) {
			break
		}
	}
}
