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

// Package buffer provides the contiguous byte container TCPConnection uses
// for its input and output streams: a fixed-size prepend area reserved for
// length-prefix framing, followed by a readable region and a writable
// region, tracked by two monotonic cursors.
package buffer

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// PrependSize is the size, in bytes, reserved at the front of every
	// Buffer for length-prefix framing that a caller writes in place after
	// the payload is already appended (via Prepend).
	PrependSize = 8
	// InitialSize is the writable capacity a newly constructed Buffer
	// reserves beyond PrependSize.
	InitialSize = 1024

	extraBufferSize = 65536
)

// Buffer is a growable byte container with a prepend area. The zero value
// is not usable; construct one with New.
type Buffer struct {
	data []byte
	r, w int
}

// New returns a Buffer with PrependSize+InitialSize bytes of capacity and
// an empty readable region.
func New() *Buffer {
	return &Buffer{
		data: make([]byte, PrependSize+InitialSize),
		r:    PrependSize,
		w:    PrependSize,
	}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.w - b.r }

// WritableBytes returns the number of bytes available to Append without
// reclaiming or growing storage.
func (b *Buffer) WritableBytes() int { return len(b.data) - b.w }

// PrependableBytes returns the number of unused bytes before the readable
// region, including the reserved prepend area.
func (b *Buffer) PrependableBytes() int { return b.r }

// Peek returns the readable region without advancing the read cursor. The
// returned slice aliases the buffer and is invalidated by any mutating
// call.
func (b *Buffer) Peek() []byte { return b.data[b.r:b.w] }

// Retrieve advances the read cursor by n bytes. If n consumes the entire
// readable region, both cursors reset to the prepend boundary so future
// writes reclaim the whole buffer. n must not exceed ReadableBytes.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.r += n
		return
	}
	b.RetrieveAll()
}

// RetrieveAll discards the entire readable region.
func (b *Buffer) RetrieveAll() {
	b.r = PrependSize
	b.w = PrependSize
}

// RetrieveAllAsString discards the entire readable region, returning it as
// a string first.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// EnsureWritable grows or compacts the buffer, if necessary, so that at
// least n bytes are writable without another call to EnsureWritable.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Append copies bytes onto the end of the readable region, growing or
// compacting the buffer as needed.
func (b *Buffer) Append(bytes []byte) {
	b.EnsureWritable(len(bytes))
	b.w += copy(b.data[b.w:], bytes)
}

// Prepend writes bytes immediately before the readable region, for framing
// a length prefix after the payload is already known. The caller must not
// request more bytes than PrependableBytes.
func (b *Buffer) Prepend(bytes []byte) {
	b.r -= len(bytes)
	copy(b.data[b.r:], bytes)
}

// makeSpace implements the growth policy: reclaim the prepended gap by
// shifting the readable region back to the prepend boundary if that frees
// enough room; otherwise resize the backing array to w+need bytes, keeping
// every byte and both cursors where they are.
func (b *Buffer) makeSpace(need int) {
	if b.WritableBytes()+(b.r-PrependSize) < need {
		grown := make([]byte, b.w+need)
		copy(grown, b.data[:b.w])
		b.data = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.data[PrependSize:], b.data[b.r:b.w])
	b.r = PrependSize
	b.w = b.r + readable
}

// ReadFD reads once from fd into the buffer's writable tail, spilling any
// overflow into a 64 KiB stack-resident extra segment read via the same
// vectored syscall. If the kernel fills only the tail, the data lands
// directly in the buffer with no copy; only the overflow, if any, is
// copied in via Append. This bounds ReadFD to one read(2)-equivalent
// syscall per call while tolerating arbitrary receive sizes without
// pre-growing the buffer for a worst case.
func (b *Buffer) ReadFD(fd int) (int, error) {
	var extra [extraBufferSize]byte
	tail := b.data[b.w:]
	iovs := make([][]byte, 0, 2)
	if len(tail) > 0 {
		iovs = append(iovs, tail)
	}
	iovs = append(iovs, extra[:])
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, errors.Wrapf(err, "buffer: readv fd %d", fd)
	}
	if n <= len(tail) {
		b.w += n
		return n, nil
	}
	b.w += len(tail)
	b.Append(extra[:n-len(tail)])
	return n, nil
}
