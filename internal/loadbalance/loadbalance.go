// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package loadbalance picks one of a fixed set of registered workers in a
// deterministic order. It backs EventLoopThreadPool's round-robin
// distribution of newly accepted connections across worker event loops.
package loadbalance

import (
	"reflect"
	"sync"
)

var (
	lbs    = make(map[string]BalanceBuilder)
	lbsMux = sync.RWMutex{}
)

// BalanceBuilder creates a LoadBalance instance.
type BalanceBuilder func() LoadBalance

// LoadBalance picks a registered worker according to some algorithm.
// Workers are opaque (any); callers type-assert Pick's result back to
// their concrete type, the same way poller.Desc.Data is type-asserted
// back to a connection type.
type LoadBalance interface {
	// Name returns the name of the load balance algorithm.
	Name() string

	// Register adds a worker to the pool.
	Register(worker any)

	// Pick returns the next worker according to the algorithm.
	Pick() any

	// Iterate walks the registered workers in registration order, stopping
	// early if f returns false.
	Iterate(f func(index int, worker any) bool)

	// Len returns the number of registered workers.
	Len() int
}

// GetBalanceBuilder gets a registered BalanceBuilder by name.
func GetBalanceBuilder(name string) BalanceBuilder {
	lbsMux.RLock()
	builder := lbs[name]
	lbsMux.RUnlock()
	return builder
}

// RegisterBalanceBuilder registers a BalanceBuilder under name.
func RegisterBalanceBuilder(name string, builder BalanceBuilder) {
	lbv := reflect.ValueOf(builder)
	if builder == nil || lbv.Kind() == reflect.Ptr && lbv.IsNil() {
		panic("loadbalance: register nil loadbalance")
	}
	if name == "" {
		panic("loadbalance: register empty name of loadbalance")
	}
	lbsMux.Lock()
	lbs[name] = builder
	lbsMux.Unlock()
}
