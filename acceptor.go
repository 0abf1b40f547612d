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

	goreuseport "github.com/kavu/go_reuseport"
	"github.com/nettle-go/treactor/internal/netutil"
	"github.com/nettle-go/treactor/log"
	"github.com/nettle-go/treactor/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Acceptor owns the listening socket and hands accepted connections off
// through newConnectionCallback. It lives on a server's base loop.
type Acceptor struct {
	loop     *EventLoop
	listener net.Listener // kept alive only so its underlying fd isn't closed by the GC
	fd       int
	channel  *Channel

	// idleFD is a pre-opened low-numbered descriptor. When accept(2) fails
	// with EMFILE, closing it frees one descriptor so the pending
	// connection can be accepted and immediately dropped, preventing the
	// listening socket from spinning in a level-triggered readiness loop
	// with no way to drain it. Grounded on muduo's Acceptor::idleFd_.
	idleFD int

	newConnectionCallback func(connFD int, peerAddr net.Addr)
}

// NewAcceptor creates an Acceptor bound to loop, listening on addr.
func NewAcceptor(loop *EventLoop, addr string, reusePort bool) (*Acceptor, error) {
	listen := net.Listen
	if reusePort {
		listen = goreuseport.Listen
	}
	ln, err := listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "acceptor: listen %s", addr)
	}
	if err := netutil.ValidateTCP(ln); err != nil {
		ln.Close()
		return nil, err
	}
	fd, err := netutil.GetFD(ln)
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "acceptor: get listener fd")
	}

	a := &Acceptor{loop: loop, listener: ln, fd: fd, idleFD: openIdleFD()}
	a.channel = NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdleFD() int {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		log.Warnf("treactor: acceptor: open idle fd: %v", err)
		return -1
	}
	return fd
}

// Addr returns the address the acceptor is listening on.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// SetNewConnectionCallback sets the callback invoked with each accepted
// connection's fd and peer address. Must be set before Listen.
func (a *Acceptor) SetNewConnectionCallback(f func(connFD int, peerAddr net.Addr)) {
	a.newConnectionCallback = f
}

// Listen enables reading on the listening channel. Must run on the owning
// loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.channel.EnableReading()
}

// Close tears down the listening channel and closes the listener.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()
	a.channel.DisableAll()
	a.channel.Remove()
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
	}
	return a.listener.Close()
}

func (a *Acceptor) handleRead(time.Time) {
	connFD, sa, err := netutil.Accept(a.fd)
	metrics.Add(metrics.AcceptCalls, 1)
	if err != nil {
		metrics.Add(metrics.AcceptFails, 1)
		if err == unix.EMFILE {
			log.Errorf("treactor: acceptor: accept: too many open files")
			a.handleEMFILE()
		} else {
			log.Errorf("treactor: acceptor: accept: %v", err)
		}
		return
	}
	if a.newConnectionCallback == nil {
		unix.Close(connFD)
		return
	}
	a.newConnectionCallback(connFD, netutil.SockaddrToTCPOrUnixAddr(sa))
}

// handleEMFILE frees the reserved idle fd, accepts and immediately closes
// the connection that triggered EMFILE (draining the level-triggered
// readiness so the loop doesn't spin), then reopens the idle fd for next
// time.
func (a *Acceptor) handleEMFILE() {
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
	}
	if connFD, _, err := netutil.Accept(a.fd); err == nil {
		unix.Close(connFD)
	}
	a.idleFD = openIdleFD()
}
