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

// Package treactor provides a multi-reactor, one-loop-per-thread TCP server
// framework: a TCPServer distributes accepted connections round-robin across
// a pool of EventLoops, each running its own epoll wait/dispatch cycle on its
// own goroutine.
package treactor
