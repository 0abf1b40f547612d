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
	"net"
	"time"

	"github.com/nettle-go/treactor/buffer"
	"github.com/nettle-go/treactor/internal/netutil"
	"github.com/nettle-go/treactor/log"
	"github.com/nettle-go/treactor/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// defaultTCPKeepAlive is the keepalive idle/interval time applied to every
// accepted connection.
const defaultTCPKeepAlive = 15 * time.Second

// defaultHighWaterMark is the output buffer size, in bytes, above which the
// high-water-mark callback fires.
const defaultHighWaterMark = 64 << 20

// State is a TCPConnection's position in its kConnecting -> kConnected ->
// kDisconnecting -> kDisconnected life cycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var numConnectionsCounter atomic.Int64

// NumConnections returns the number of TCPConnections currently between
// ConnectEstablished and handleClose/ConnectDestroyed, across every
// TCPServer in the process.
func NumConnections() int {
	return int(numConnectionsCounter.Load())
}

// TCPConnection is one established socket, bound for its entire life to the
// EventLoop that accepted it. All but Send, Shutdown, ForceClose, SetContext
// and Context must run on that loop; see EventLoop.AssertInLoopThread.
type TCPConnection struct {
	loop *EventLoop
	name string
	fd   int

	channel    *Channel
	localAddr  net.Addr
	peerAddr   net.Addr

	state atomic.Int32

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	highWaterMark int

	connectionCallback    func(*TCPConnection)
	messageCallback       func(*TCPConnection, *buffer.Buffer, time.Time)
	writeCompleteCallback func(*TCPConnection)
	highWaterMarkCallback func(*TCPConnection, int)
	closeCallback         func(*TCPConnection)

	context atomic.Value
}

// NewTCPConnection wraps an already-accepted, non-blocking fd. It must be
// finished with ConnectEstablished (posted onto loop) before any callback
// fires.
func NewTCPConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr net.Addr) *TCPConnection {
	if err := netutil.SetKeepAlive(fd, int(defaultTCPKeepAlive.Seconds())); err != nil {
		log.Warnf("treactor: connection %s: set keepalive: %v", name, err)
	}

	c := &TCPConnection{
		loop:          loop,
		name:          name,
		fd:            fd,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))
	c.channel = NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	return c
}

// Name returns the connection's server-assigned identifier.
func (c *TCPConnection) Name() string { return c.name }

// LocalAddr returns the local endpoint address.
func (c *TCPConnection) LocalAddr() net.Addr { return c.localAddr }

// PeerAddr returns the remote endpoint address.
func (c *TCPConnection) PeerAddr() net.Addr { return c.peerAddr }

// Loop returns the EventLoop this connection is bound to.
func (c *TCPConnection) Loop() *EventLoop { return c.loop }

// Connected reports whether the connection is in the kConnected state. Safe
// from any goroutine.
func (c *TCPConnection) Connected() bool {
	return State(c.state.Load()) == StateConnected
}

// SetContext stores an arbitrary value alongside the connection, for a
// caller's own bookkeeping. Safe from any goroutine.
func (c *TCPConnection) SetContext(v any) { c.context.Store(contextBox{v}) }

// Context returns the value last passed to SetContext, or nil if none was
// ever set. Safe from any goroutine.
func (c *TCPConnection) Context() any {
	if v, ok := c.context.Load().(contextBox); ok {
		return v.v
	}
	return nil
}

// contextBox lets Context hold any value, including nil and differently
// typed values across calls, in an atomic.Value (which otherwise requires a
// consistent concrete type).
type contextBox struct{ v any }

// SetConnectionCallback sets the callback invoked when the connection
// transitions to kConnected and again when it transitions away to
// kDisconnected.
func (c *TCPConnection) SetConnectionCallback(f func(*TCPConnection)) { c.connectionCallback = f }

// SetMessageCallback sets the callback invoked after each successful read,
// with the connection's input buffer.
func (c *TCPConnection) SetMessageCallback(f func(*TCPConnection, *buffer.Buffer, time.Time)) {
	c.messageCallback = f
}

// SetWriteCompleteCallback sets the callback invoked once the output buffer
// has fully drained after having been non-empty.
func (c *TCPConnection) SetWriteCompleteCallback(f func(*TCPConnection)) {
	c.writeCompleteCallback = f
}

// SetHighWaterMarkCallback sets the callback invoked when the output buffer
// crosses threshold bytes, and sets the threshold itself.
func (c *TCPConnection) SetHighWaterMarkCallback(f func(*TCPConnection, int), threshold int) {
	c.highWaterMarkCallback = f
	c.highWaterMark = threshold
}

// setCloseCallback sets the callback a TCPServer uses to remove the
// connection from its table once handleClose has run. Unexported: it is
// server plumbing, not a user-facing hook.
func (c *TCPConnection) setCloseCallback(f func(*TCPConnection)) { c.closeCallback = f }

// ConnectEstablished must be posted onto the owning loop exactly once, after
// construction, before the connection is registered for readiness. It moves
// the connection to kConnected, ties the channel, enables reading, and fires
// the connection callback.
func (c *TCPConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) != StateConnecting {
		log.Fatalf("treactor: connection %s: connect_established in state %v", c.name, State(c.state.Load()))
	}
	c.state.Store(int32(StateConnected))
	c.channel.Tie(c)
	c.channel.EnableReading()
	numConnectionsCounter.Inc()
	metrics.Add(metrics.ConnectionsCreated, 1)
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// ConnectDestroyed must be posted onto the owning loop exactly once, as the
// final step of tearing the connection down. If the connection never passed
// through handleClose (for example, a server shutting down all connections
// directly), it performs that transition itself before removing the channel.
func (c *TCPConnection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		numConnectionsCounter.Dec()
		metrics.Add(metrics.ConnectionsClosed, 1)
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	if err := unix.Close(c.fd); err != nil {
		log.Errorf("treactor: connection %s: close fd %d: %v", c.name, c.fd, err)
	}
}

func (c *TCPConnection) handleRead(now time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.inputBuffer.ReadFD(c.fd)
	switch {
	case n > 0:
		metrics.Add(metrics.ConnectionBytesRead, uint64(n))
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, now)
		}
	case err == nil:
		c.handleClose()
	default:
		c.handleError()
	}
}

func (c *TCPConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		log.Warnf("treactor: connection %s: handle_write on non-writing channel, ignoring stale event", c.name)
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		log.Errorf("treactor: connection %s: handle_write: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	metrics.Add(metrics.ConnectionBytesWritten, uint64(n))
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if State(c.state.Load()) == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TCPConnection) handleClose() {
	c.loop.AssertInLoopThread()
	c.state.Store(int32(StateDisconnected))
	c.channel.DisableAll()
	numConnectionsCounter.Dec()
	metrics.Add(metrics.ConnectionsClosed, 1)
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TCPConnection) handleError() {
	soErr, _ := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	log.Errorf("treactor: connection %s: handle_error: SO_ERROR=%d", c.name, soErr)
}

// Send queues data for the connection. Safe from any goroutine: if called
// off the owning loop, data is copied and handed off via RunInLoop.
func (c *TCPConnection) Send(data []byte) {
	if State(c.state.Load()) != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(buf) })
}

func (c *TCPConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if State(c.state.Load()) != StateConnected {
		log.Warnf("treactor: connection %s: send while not connected (state %v), dropping %d bytes",
			c.name, State(c.state.Load()), len(data))
		return
	}

	n := 0
	fatal := false
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		written, err := unix.Write(c.fd, data)
		switch {
		case err == nil:
			n = written
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			n = 0
		default:
			if err == unix.EPIPE || err == unix.ECONNRESET {
				fatal = true
			}
			log.Errorf("treactor: connection %s: send: %v", c.name, err)
		}
		if n > 0 {
			metrics.Add(metrics.ConnectionBytesWritten, uint64(n))
		}
		if !fatal && n == len(data) {
			if c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
			return
		}
	}
	if fatal {
		return
	}

	remaining := data[n:]
	if len(remaining) == 0 {
		return
	}
	old := c.outputBuffer.ReadableBytes()
	newTotal := old + len(remaining)
	if newTotal >= c.highWaterMark && old < c.highWaterMark {
		metrics.Add(metrics.ConnectionHighWaterMarkTrips, 1)
		if c.highWaterMarkCallback != nil {
			cb := c.highWaterMarkCallback
			c.loop.QueueInLoop(func() { cb(c, newTotal) })
		}
	}
	c.outputBuffer.Append(remaining)
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the connection for writing once any queued output has
// drained: no more bytes can be sent afterward, but bytes already in flight
// are not discarded and the peer may still be read from until it closes its
// side. Safe from any goroutine.
func (c *TCPConnection) Shutdown() {
	if !c.state.CAS(int32(StateConnected), int32(StateDisconnecting)) {
		return
	}
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *TCPConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
			log.Errorf("treactor: connection %s: shutdown: %v", c.name, err)
		}
	}
}

// ForceClose tears the connection down immediately, discarding any queued
// output, without waiting for the peer. Safe from any goroutine.
func (c *TCPConnection) ForceClose() {
	state := State(c.state.Load())
	if state != StateConnected && state != StateDisconnecting {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	c.loop.QueueInLoop(c.forceCloseInLoop)
}

func (c *TCPConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	state := State(c.state.Load())
	if state == StateConnected || state == StateDisconnecting {
		metrics.Add(metrics.ConnectionForceClosed, 1)
		c.handleClose()
	}
}
