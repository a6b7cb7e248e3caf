// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/arena/lib/codec"
)

// dialTimeout bounds the connect phase, separate from the server's
// read and write timeouts.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a response
// after writing its request. Matched to the server's readTimeout plus
// writeTimeout to allow for handler execution.
const responseReadTimeout = 45 * time.Second

// maxResponseSize matches the server's maxRequestSize.
const maxResponseSize = 1024 * 1024

// ServiceError is returned by Call when the server responds ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Client sends control requests to an arena socket. Each Call opens a
// new connection, matching the server's one-request-per-connection
// model.
type Client struct {
	socketPath string
	caller     Caller
}

// NewClient creates a client acting for the given caller. The caller
// identity is stamped into every request envelope; the front end is
// responsible for having authenticated it.
func NewClient(socketPath string, caller Caller) *Client {
	return &Client{socketPath: socketPath, caller: caller}
}

// Call sends one request and decodes the response data into result
// when both are non-nil. The fields map carries action-specific
// parameters; "action", "principal", and "admin" are added by the
// client and must not appear in it.
//
// A server-side failure comes back as *ServiceError; connection and
// encoding problems are plain errors.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+3)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	if c.caller.Principal != "" {
		request["principal"] = c.caller.Principal
	}
	if c.caller.Admin {
		request["admin"] = true
	}

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// send connects, writes the request, and reads the response.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	// Half-close so the server's read side sees EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
