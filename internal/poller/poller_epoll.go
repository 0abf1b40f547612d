// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux
// +build linux

package poller

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const defaultEventCount = 64

// NewPoller returns an epoll-backed Poller. MUDUO_USE_POLL is documented in
// SPEC_FULL.md as a hook for a poll(2)-based backend; this core only ships
// the epoll implementation the spec requires (§6, Environment).
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		epfd:     fd,
		channels: make(map[int]Channel),
		events:   make([]unix.EpollEvent, defaultEventCount),
	}, nil
}

type epollPoller struct {
	epfd     int
	channels map[int]Channel
	events   []unix.EpollEvent
}

func toEpollEvents(e Event) uint32 {
	var out uint32
	if e.Has(ReadEvent) {
		out |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if e.Has(WriteEvent) {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpollEvents(mask uint32) Event {
	var e Event
	if mask&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		e |= ReadEvent
	}
	if mask&unix.EPOLLOUT != 0 {
		e |= WriteEvent
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= HupEvent
	}
	if mask&unix.EPOLLERR != 0 {
		e |= ErrEvent
	}
	return e
}

// Poll implements Poller.
func (p *epollPoller) Poll(timeoutMS int) ([]Channel, time.Time, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return []Channel{}, now, nil
		}
		return nil, now, os.NewSyscallError("epoll_wait", err)
	}
	active := make([]Channel, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			continue
		}
		ch.SetRevents(fromEpollEvents(p.events[i].Events))
		active = append(active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return active, now, nil
}

// UpdateChannel implements Poller.
func (p *epollPoller) UpdateChannel(ch Channel) error {
	switch ch.Membership() {
	case New, Deleted:
		if ch.Membership() == New {
			p.channels[ch.Fd()] = ch
		}
		ch.SetMembership(Added)
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	case Added:
		if ch.Interest() == 0 {
			ch.SetMembership(Deleted)
			return p.ctl(unix.EPOLL_CTL_DEL, ch)
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	default:
		return errors.Errorf("poller: channel fd %d has invalid membership %d", ch.Fd(), ch.Membership())
	}
}

// RemoveChannel implements Poller.
func (p *epollPoller) RemoveChannel(ch Channel) error {
	delete(p.channels, ch.Fd())
	var err error
	if ch.Membership() == Added {
		err = p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetMembership(New)
	return err
}

// HasChannel implements Poller.
func (p *epollPoller) HasChannel(ch Channel) bool {
	found, ok := p.channels[ch.Fd()]
	return ok && found == ch
}

// Close implements Poller.
func (p *epollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}

func (p *epollPoller) ctl(op int, ch Channel) error {
	var ev unix.EpollEvent
	ev.Events = toEpollEvents(ch.Interest())
	ev.Fd = int32(ch.Fd())
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		return errors.Wrapf(os.NewSyscallError("epoll_ctl", err), "channel fd %d, op %d", ch.Fd(), op)
	}
	return nil
}
