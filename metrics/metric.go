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

// Package metrics provides a lot of treactor runtime monitoring data,
// such as how often a loop wakes for cross-thread work and how many
// connections trip their high-water mark, which is a good tool for
// performance tuning.
package metrics

import (
	"time"

	"github.com/nettle-go/treactor/log"
	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// The following constants are EventLoop metrics.

	EpollWaitCalls = iota
	EpollWaitEvents
	EpollWaitTimeouts
	LoopWakeups
	LoopPendingFunctorsRun

	// The following constants are Acceptor metrics.

	AcceptCalls
	AcceptFails

	// The following constants are TCPConnection metrics.

	ConnectionsCreated
	ConnectionsClosed
	ConnectionBytesRead
	ConnectionBytesWritten
	ConnectionHighWaterMarkTrips
	ConnectionForceClosed

	// The following constant is the user task pool metric.

	TasksSubmitted

	// Keep it last.

	Max
)

var metricValues [Max]atomic.Uint64

// Add adds delta to the metric counter named name.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metricValues[name].Add(delta)
}

// Get returns the current value of the metric counter named name.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metricValues[name].Load()
}

// GetAll returns the current value of every metric counter.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metricValues {
		m[i] = metricValues[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info accumulated over duration d from now
// on. It blocks for d, then prints the delta.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	new := GetAll()
	var m [Max]uint64
	for i := range metricValues {
		m[i] = new[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows the current value of every metric counter.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	log.Debug("######### treactor metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showLoopMetrics(m)
	showAcceptorMetrics(m)
	showConnectionMetrics(m)
	log.Debugf("%-59s: %d", "# TASKPOOL - number of tasks submitted", m[TasksSubmitted])
}

func showLoopMetrics(m [Max]uint64) {
	log.Debugf("%-59s: %d", "# LOOP - number of epoll_wait returns", m[EpollWaitCalls])
	log.Debugf("%-59s: %d", "# LOOP - number of epoll_wait returns with no events", m[EpollWaitTimeouts])
	log.Debugf("%-59s: %d", "# LOOP - number of total ready events", m[EpollWaitEvents])
	if m[EpollWaitCalls] > 0 {
		log.Debugf("%-59s: %.2f", "# LOOP - average events per epoll_wait",
			float64(m[EpollWaitEvents])/float64(m[EpollWaitCalls]))
	}
	log.Debugf("%-59s: %d", "# LOOP - number of cross-thread wakeups", m[LoopWakeups])
	log.Debugf("%-59s: %d", "# LOOP - number of pending functors run", m[LoopPendingFunctorsRun])
}

func showAcceptorMetrics(m [Max]uint64) {
	log.Debugf("%-59s: %d", "# ACCEPTOR - number of accept(2) calls", m[AcceptCalls])
	log.Debugf("%-59s: %d", "# ACCEPTOR - number of failed accept(2) calls", m[AcceptFails])
}

func showConnectionMetrics(m [Max]uint64) {
	log.Debugf("%-59s: %d", "# CONN - number of connections created", m[ConnectionsCreated])
	log.Debugf("%-59s: %d", "# CONN - number of connections closed", m[ConnectionsClosed])
	log.Debugf("%-59s: %d", "# CONN - number of force-closed connections", m[ConnectionForceClosed])
	log.Debugf("%-59s: %d", "# CONN - bytes read", m[ConnectionBytesRead])
	log.Debugf("%-59s: %d", "# CONN - bytes written", m[ConnectionBytesWritten])
	log.Debugf("%-59s: %d", "# CONN - number of high-water-mark trips", m[ConnectionHighWaterMarkTrips])
}
