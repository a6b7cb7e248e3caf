// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the CBOR-over-Unix-socket control protocol
// shared by the arena daemon and its clients.
//
// Each connection carries exactly one request-response cycle: the
// client writes one CBOR map, the server processes it and writes one
// CBOR response, and the connection closes. CBOR is self-delimiting,
// so there is no framing layer.
//
// Requests carry an "action" field for routing and a "principal"
// field naming the already-authenticated caller. Authenticating that
// caller is the front-end's job: the socket is expected to be reachable
// only by the trusted request-handling layer, the same trust model as
// any local control socket.
package service
