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
	"time"

	"github.com/nettle-go/treactor/internal/poller"
)

// Channel binds one file descriptor to its interest mask and typed
// per-event callbacks. It is owned by a single EventLoop and must only be
// mutated on that loop's thread.
type Channel struct {
	loop *EventLoop
	fd   int

	events     poller.Event
	revents    poller.Event
	membership poller.Membership

	// tie keeps the channel's owning connection alive across a dispatch of
	// HandleEvent. See DESIGN.md for why a plain strong reference replaces
	// muduo's weak/strong tie pair here.
	tie *TCPConnection

	readCallback  func(now time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel creates a Channel for fd, owned by loop. The channel starts
// with no interest and must be registered via EnableReading/EnableWriting
// before the loop will observe its readiness.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, membership: poller.New}
}

// Fd implements poller.Channel.
func (c *Channel) Fd() int { return c.fd }

// Interest implements poller.Channel.
func (c *Channel) Interest() poller.Event { return c.events }

// Membership implements poller.Channel.
func (c *Channel) Membership() poller.Membership { return c.membership }

// SetMembership implements poller.Channel.
func (c *Channel) SetMembership(m poller.Membership) { c.membership = m }

// SetRevents implements poller.Channel.
func (c *Channel) SetRevents(e poller.Event) { c.revents = e }

// SetReadCallback sets the callback HandleEvent invokes for READ readiness
// (the poller reports PRI as READ as well).
func (c *Channel) SetReadCallback(f func(now time.Time)) { c.readCallback = f }

// SetWriteCallback sets the callback HandleEvent invokes for WRITE readiness.
func (c *Channel) SetWriteCallback(f func()) { c.writeCallback = f }

// SetCloseCallback sets the callback HandleEvent invokes when the peer has
// hung up without pending input.
func (c *Channel) SetCloseCallback(f func()) { c.closeCallback = f }

// SetErrorCallback sets the callback HandleEvent invokes on ERR readiness.
func (c *Channel) SetErrorCallback(f func()) { c.errorCallback = f }

// Tie arms the channel's strong reference to conn, keeping it alive for at
// least the lifetime of this channel.
func (c *Channel) Tie(conn *TCPConnection) { c.tie = conn }

// EnableReading adds ReadEvent to the interest mask and tells the owning
// loop to update the backend registration.
func (c *Channel) EnableReading() {
	c.events |= poller.ReadEvent
	c.update()
}

// DisableReading removes ReadEvent from the interest mask.
func (c *Channel) DisableReading() {
	c.events &^= poller.ReadEvent
	c.update()
}

// EnableWriting adds WriteEvent to the interest mask.
func (c *Channel) EnableWriting() {
	c.events |= poller.WriteEvent
	c.update()
}

// DisableWriting removes WriteEvent from the interest mask.
func (c *Channel) DisableWriting() {
	c.events &^= poller.WriteEvent
	c.update()
}

// DisableAll clears the interest mask entirely.
func (c *Channel) DisableAll() {
	c.events = 0
	c.update()
}

// IsWriting reports whether WriteEvent is currently in the interest mask.
func (c *Channel) IsWriting() bool { return c.events.Has(poller.WriteEvent) }

// Remove tells the owning loop to erase this channel from its poller.
func (c *Channel) Remove() {
	c.loop.RemoveChannel(c)
}

func (c *Channel) update() {
	c.loop.UpdateChannel(c)
}

// HandleEvent dispatches the last readiness mask the poller recorded for
// this channel. It is invoked only by the owning loop, after poll returns.
// HUP is checked before READ so a peer FIN with no pending data still
// closes the connection; ERR and READ/PRI/WRITE are independent checks,
// not mutually exclusive branches, matching a single readiness mask that
// may carry more than one condition at once.
func (c *Channel) HandleEvent(now time.Time) {
	if c.revents.Has(poller.HupEvent) && !c.revents.Has(poller.ReadEvent) {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents.Has(poller.ErrEvent) {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents.Has(poller.ReadEvent) {
		if c.readCallback != nil {
			c.readCallback(now)
		}
	}
	if c.revents.Has(poller.WriteEvent) {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
