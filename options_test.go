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
	"net"
	"testing"

	"github.com/nettle-go/treactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())
	return addr
}

func TestReusePortAllowsSharedAddress(t *testing.T) {
	addr := freeAddr(t)
	loop := newTestLoop(t)
	defer loop.stop()

	var s1, s2 *treactor.TCPServer
	var err1, err2 error
	loop.runInLoop(func() {
		s1, err1 = treactor.NewTCPServer(loop.loop, addr, "reuse-1", treactor.ReusePort())
	})
	require.NoError(t, err1)
	defer loop.runInLoop(func() { s1.Close() })

	loop.runInLoop(func() {
		s2, err2 = treactor.NewTCPServer(loop.loop, addr, "reuse-2", treactor.ReusePort())
	})
	assert.NoError(t, err2, "two ReusePort listeners should be able to share one address")
	if s2 != nil {
		defer loop.runInLoop(func() { s2.Close() })
	}
}

func TestNoReusePortRejectsSharedAddress(t *testing.T) {
	addr := freeAddr(t)
	loop := newTestLoop(t)
	defer loop.stop()

	var s1 *treactor.TCPServer
	var err1 error
	loop.runInLoop(func() {
		s1, err1 = treactor.NewTCPServer(loop.loop, addr, "exclusive-1", treactor.NoReusePort())
	})
	require.NoError(t, err1)
	defer loop.runInLoop(func() { s1.Close() })

	loop.runInLoop(func() {
		_, err := treactor.NewTCPServer(loop.loop, addr, "exclusive-2", treactor.NoReusePort())
		assert.Error(t, err, "a second exclusive listener on the same address must fail")
	})
}
