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
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nettle-go/treactor/buffer"
	"github.com/nettle-go/treactor/log"
	"go.uber.org/atomic"
)

// TCPServer wires an Acceptor to an EventLoopThreadPool: every accepted
// connection is handed to the next worker loop in round-robin order, named
// "<name>-<listen addr>#<seq>", and tracked in a table mutated only on the
// base loop.
type TCPServer struct {
	baseLoop *EventLoop
	name     string
	opts     options

	acceptor   *Acceptor
	threadPool *EventLoopThreadPool

	started atomic.Bool
	nextID  int

	mu    sync.Mutex
	conns map[string]*TCPConnection

	threadInitCallback    func(*EventLoop)
	connectionCallback    func(*TCPConnection)
	messageCallback       func(*TCPConnection, *buffer.Buffer, time.Time)
	writeCompleteCallback func(*TCPConnection)
}

// NewTCPServer constructs a server bound to baseLoop, listening on addr once
// Start is called. name seeds every connection's synthesized identifier.
func NewTCPServer(baseLoop *EventLoop, addr, name string, opt ...Option) (*TCPServer, error) {
	opts := options{}
	opts.setDefault()
	for _, o := range opt {
		o.f(&opts)
	}

	acceptor, err := NewAcceptor(baseLoop, addr, opts.reusePort)
	if err != nil {
		return nil, err
	}

	s := &TCPServer{
		baseLoop:   baseLoop,
		name:       name,
		opts:       opts,
		acceptor:   acceptor,
		threadPool: NewEventLoopThreadPool(baseLoop, 0),
		conns:      make(map[string]*TCPConnection),
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetThreadNum sets the worker pool size. Must be called before Start; n ==
// 0 keeps everything on the base loop.
func (s *TCPServer) SetThreadNum(n int) {
	s.threadPool = NewEventLoopThreadPool(s.baseLoop, n)
}

// SetThreadInitCallback sets a hook run on each worker loop (and the base
// loop, if the thread count is zero) as it starts, before any connection is
// accepted.
func (s *TCPServer) SetThreadInitCallback(f func(*EventLoop)) {
	s.threadInitCallback = f
}

// SetConnectionCallback sets the callback fired when a connection is
// established and again when it is torn down.
func (s *TCPServer) SetConnectionCallback(f func(*TCPConnection)) { s.connectionCallback = f }

// SetMessageCallback sets the callback fired after each successful read.
func (s *TCPServer) SetMessageCallback(f func(*TCPConnection, *buffer.Buffer, time.Time)) {
	s.messageCallback = f
}

// SetWriteCompleteCallback sets the callback fired once a connection's
// output buffer fully drains after having been non-empty.
func (s *TCPServer) SetWriteCompleteCallback(f func(*TCPConnection)) {
	s.writeCompleteCallback = f
}

// Start is idempotent: the first call starts the worker pool and posts
// acceptor.Listen onto the base loop; later calls are no-ops.
func (s *TCPServer) Start() {
	if !s.started.CAS(false, true) {
		return
	}
	s.threadPool.Start(s.threadInitCallback)
	acceptor := s.acceptor
	s.baseLoop.RunInLoop(func() { acceptor.Listen() })
}

// NumConnections returns the number of connections currently tracked by this
// server's table.
func (s *TCPServer) NumConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the address the server's acceptor is listening on.
func (s *TCPServer) Addr() net.Addr { return s.acceptor.Addr() }

func (s *TCPServer) newConnection(connFD int, peerAddr net.Addr) {
	s.baseLoop.AssertInLoopThread()

	loop := s.threadPool.GetNextLoop()
	s.nextID++
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.acceptor.Addr(), s.nextID)

	conn := NewTCPConnection(loop, connName, connFD, s.acceptor.Addr(), peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.conns[connName] = conn
	s.mu.Unlock()

	loop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection is wired as every TCPConnection's close callback. It runs
// on the connection's own worker loop (handleClose's caller), so the final
// teardown is posted back to the base loop, matching muduo's
// TcpServer::removeConnectionInLoop discipline of mutating the table only on
// the server's own thread.
func (s *TCPServer) removeConnection(conn *TCPConnection) {
	s.baseLoop.RunInLoop(func() {
		s.mu.Lock()
		delete(s.conns, conn.Name())
		s.mu.Unlock()

		loop := conn.Loop()
		loop.QueueInLoop(conn.ConnectDestroyed)
	})
}

// Close tears down the acceptor and every tracked connection, then stops the
// worker pool. Must be called from the base loop's own goroutine.
func (s *TCPServer) Close() error {
	s.baseLoop.AssertInLoopThread()

	s.mu.Lock()
	conns := make([]*TCPConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ForceClose()
	}

	if err := s.acceptor.Close(); err != nil {
		log.Errorf("treactor: server %s: close acceptor: %v", s.name, err)
	}
	s.threadPool.Stop()
	return nil
}
