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

// Option configures a TCPServer at construction time.
type Option struct {
	f func(*options)
}

type options struct {
	reusePort bool
}

func (o *options) setDefault() {
	o.reusePort = false
}

// ReusePort has the acceptor bind its listening socket with SO_REUSEPORT, so
// multiple processes (or multiple listeners in one process) can share the
// same address.
func ReusePort() Option {
	return Option{func(op *options) { op.reusePort = true }}
}

// NoReusePort is the default: the acceptor binds exclusively. Passing it
// explicitly is only useful to override an earlier ReusePort in the same
// option list.
func NoReusePort() Option {
	return Option{func(op *options) { op.reusePort = false }}
}
