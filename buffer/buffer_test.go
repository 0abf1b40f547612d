// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package buffer_test

import (
	"bytes"
	"math/rand"
	"net"
	"testing"

	"github.com/nettle-go/treactor/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBufferInvariant(t *testing.T) {
	b := buffer.New()
	assert.Equal(t, buffer.PrependSize, b.PrependableBytes())
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, buffer.InitialSize, b.WritableBytes())
}

func TestRetrieveAllResetsToPrependBoundary(t *testing.T) {
	b := buffer.New()
	b.Append([]byte("hello world"))
	b.RetrieveAll()
	assert.Equal(t, buffer.PrependSize, b.PrependableBytes())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestRetrieveOfEverythingResetsCursors(t *testing.T) {
	b := buffer.New()
	b.Append([]byte("payload"))
	b.Retrieve(b.ReadableBytes())
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, buffer.PrependSize, b.PrependableBytes())
}

func TestAppendRetrieveRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"x",
		"hello world",
		string(bytes.Repeat([]byte{'a'}, 10000)),
	}
	for _, s := range inputs {
		b := buffer.New()
		b.Append([]byte(s))
		assert.Equal(t, s, b.RetrieveAllAsString())
	}
}

func TestAppendRetrieveRoundTripRandom(t *testing.T) {
	b := buffer.New()
	r := rand.New(rand.NewSource(1))
	var want bytes.Buffer
	for i := 0; i < 200; i++ {
		n := r.Intn(4000)
		chunk := make([]byte, n)
		r.Read(chunk)
		b.Append(chunk)
		want.Write(chunk)
		if r.Intn(3) == 0 {
			take := r.Intn(b.ReadableBytes() + 1)
			got := append([]byte(nil), b.Peek()[:take]...)
			b.Retrieve(take)
			assert.Equal(t, want.Next(take), got)
		}
	}
	assert.Equal(t, want.String(), b.RetrieveAllAsString())
}

func TestMakeSpaceGrowsAndPreservesContent(t *testing.T) {
	b := buffer.New()
	payload := bytes.Repeat([]byte{'z'}, buffer.InitialSize-1)
	b.Append(payload)
	b.Retrieve(buffer.InitialSize - 2)

	before := append([]byte(nil), b.Peek()...)
	need := buffer.InitialSize * 4
	b.EnsureWritable(need)
	assert.GreaterOrEqual(t, b.WritableBytes(), need)
	assert.Equal(t, before, b.Peek())
}

func TestMakeSpaceShiftsWithoutGrowingWhenRoomSufficient(t *testing.T) {
	b := buffer.New()
	b.Append(bytes.Repeat([]byte{'y'}, 200))
	b.Retrieve(150)
	// 50 readable bytes now sit PrependSize+150 bytes in, leaving
	// InitialSize-200 writable. Asking for InitialSize-100 exceeds that but
	// fits once the 150-byte gap is reclaimed, so the buffer shifts its
	// readable region back to the prepend boundary instead of reallocating.
	b.EnsureWritable(buffer.InitialSize - 100)
	assert.GreaterOrEqual(t, b.WritableBytes(), buffer.InitialSize-100)
	assert.Equal(t, buffer.PrependSize, b.PrependableBytes())
	assert.Equal(t, buffer.PrependSize+buffer.InitialSize, b.PrependableBytes()+b.ReadableBytes()+b.WritableBytes())
}

func TestPrepend(t *testing.T) {
	b := buffer.New()
	b.Append([]byte("payload"))
	b.Prepend([]byte{0, 0, 0, 7})
	assert.Equal(t, buffer.PrependSize-4, b.PrependableBytes())
	assert.Equal(t, []byte{0, 0, 0, 7, 'p', 'a', 'y', 'l', 'o', 'a', 'd'}, b.Peek())
}

func TestReadFDFillsFromSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := bytes.Repeat([]byte("abcdefgh"), 10000) // 80000 bytes, spills into the extra segment
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}()

	serverConn, err := ln.Accept()
	require.NoError(t, err)
	defer serverConn.Close()
	sc, err := serverConn.(*net.TCPConn).SyscallConn()
	require.NoError(t, err)

	b := buffer.New()
	var total int
	for total < len(payload) {
		var n int
		var rerr error
		err = sc.Read(func(fd uintptr) bool {
			n, rerr = b.ReadFD(int(fd))
			return rerr != nil || n > 0
		})
		require.NoError(t, err)
		if rerr != nil {
			break
		}
		total += n
	}
	assert.Equal(t, len(payload), b.ReadableBytes())
	assert.Equal(t, payload, b.Peek())
	<-done
}
