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
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nettle-go/treactor"
	"github.com/nettle-go/treactor/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T, loop *testLoop, threadNum int) *treactor.TCPServer {
	t.Helper()

	var server *treactor.TCPServer
	var err error
	loop.runInLoop(func() {
		server, err = treactor.NewTCPServer(loop.loop, "127.0.0.1:0", "echo-test")
	})
	require.NoError(t, err)

	server.SetThreadNum(threadNum)
	server.SetMessageCallback(func(c *treactor.TCPConnection, in *buffer.Buffer, _ time.Time) {
		c.Send([]byte(in.RetrieveAllAsString()))
	})
	server.Start()
	return server
}

func TestTCPServerEchoOneWorker(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	server := newEchoServer(t, loop, 1)
	defer loop.runInLoop(func() { server.Close() })

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestTCPServerRoundRobinsAcrossWorkers(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	var connectionLoops = make(chan *treactor.EventLoop, 8)
	var server *treactor.TCPServer
	var err error
	loop.runInLoop(func() {
		server, err = treactor.NewTCPServer(loop.loop, "127.0.0.1:0", "rr-test")
	})
	require.NoError(t, err)
	server.SetThreadNum(3)
	server.SetConnectionCallback(func(c *treactor.TCPConnection) {
		if c.Connected() {
			connectionLoops <- c.Loop()
		}
	})
	server.Start()
	defer loop.runInLoop(func() { server.Close() })

	const numConns = 6
	conns := make([]net.Conn, 0, numConns)
	for i := 0; i < numConns; i++ {
		c, err := net.Dial("tcp", server.Addr().String())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	seen := make(map[*treactor.EventLoop]int)
	for i := 0; i < numConns; i++ {
		select {
		case l := <-connectionLoops:
			seen[l]++
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw %d/%d connections established", i, numConns)
		}
	}
	assert.Len(t, seen, 3, "6 connections across 3 workers should visit every worker")
	for _, count := range seen {
		assert.Equal(t, 2, count, "round robin should split 6 connections evenly across 3 workers")
	}
}

func TestTCPServerConnectionRemovedFromTableOnClose(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	server := newEchoServer(t, loop, 0)
	defer loop.runInLoop(func() { server.Close() })

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return server.NumConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return server.NumConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestTCPServerRemovesConnectionOnPeerRST exercises the literal "Peer RST"
// end-to-end scenario: the client aborts with SO_LINGER 0 (forcing an RST
// instead of a FIN), and the server must still notice the disconnect and
// drop the connection from its table.
func TestTCPServerRemovesConnectionOnPeerRST(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	server := newEchoServer(t, loop, 0)
	defer loop.runInLoop(func() { server.Close() })

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return server.NumConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	tcpConn, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcpConn.SetLinger(0))
	require.NoError(t, tcpConn.Close())

	require.Eventually(t, func() bool {
		return server.NumConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestTCPServerForceCloseClosesSocketWithoutDraining confirms ForceClose's
// immediate-teardown contract end to end: the server tears the connection's
// socket down promptly even with megabytes of unread output still queued,
// rather than waiting for the peer to drain it first.
func TestTCPServerForceCloseClosesSocketWithoutDraining(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	var server *treactor.TCPServer
	var err error
	loop.runInLoop(func() {
		server, err = treactor.NewTCPServer(loop.loop, "127.0.0.1:0", "force-close-test")
	})
	require.NoError(t, err)

	established := make(chan *treactor.TCPConnection, 1)
	server.SetConnectionCallback(func(c *treactor.TCPConnection) {
		if c.Connected() {
			established <- c
		}
	})
	server.Start()
	defer loop.runInLoop(func() { server.Close() })

	client, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var serverConn *treactor.TCPConnection
	select {
	case serverConn = <-established:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never established")
	}

	payload := make([]byte, 4<<20)
	serverConn.Send(payload)
	time.Sleep(50 * time.Millisecond) // let the direct write attempt queue whatever didn't fit

	serverConn.ForceClose()

	require.Eventually(t, func() bool {
		return server.NumConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.Copy(io.Discard, client)
	assert.NoError(t, err, "ForceClose should close the socket promptly instead of waiting for the peer to drain queued output")
}

func TestTCPServerStartIsIdempotent(t *testing.T) {
	loop := newTestLoop(t)
	defer loop.stop()

	server := newEchoServer(t, loop, 0)
	defer loop.runInLoop(func() { server.Close() })

	assert.NotPanics(t, func() {
		server.Start()
		server.Start()
	})
}
