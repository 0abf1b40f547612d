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
	"github.com/nettle-go/treactor/metrics"
	"github.com/panjf2000/ants/v2"
)

// maxRoutines is the pool's goroutine cap: 0 means unbounded (ants treats it
// as math.MaxInt32).
const maxRoutines = 0

var usrPool, _ = ants.NewPool(maxRoutines)

// Submit runs task on a pooled goroutine, rather than directly on whichever
// goroutine called Submit. Message and connection callbacks run on their
// connection's EventLoop, so any blocking work they need done should go
// through Submit instead of running in place and stalling every other
// connection sharing that loop.
func Submit(task func()) error {
	metrics.Add(metrics.TasksSubmitted, 1)
	return usrPool.Submit(task)
}
