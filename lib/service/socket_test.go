// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/arena/lib/codec"
	"github.com/bureau-foundation/arena/lib/testutil"
)

func startTestServer(t *testing.T, register func(*SocketServer)) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "arena.sock")
	server := NewSocketServer(socketPath, slog.New(slog.DiscardHandler))
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server did not shut down")
	})

	// Wait for the socket to exist before letting the test dial.
	deadline := time.Now().Add(5 * time.Second)
	for {
		client := NewClient(socketPath, Caller{})
		err := client.Call(context.Background(), "__probe__", nil, nil)
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			// The server answered (with "unknown action"), so it
			// is up.
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallRoundTrip(t *testing.T) {
	type echoRequest struct {
		Text string `cbor:"text"`
	}
	type echoResponse struct {
		Text      string `cbor:"text"`
		Principal string `cbor:"principal"`
		Admin     bool   `cbor:"admin"`
	}

	socketPath := startTestServer(t, func(server *SocketServer) {
		server.Handle("echo", func(ctx context.Context, caller Caller, raw []byte) (any, error) {
			var request echoRequest
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return echoResponse{
				Text:      request.Text,
				Principal: caller.Principal,
				Admin:     caller.Admin,
			}, nil
		})
	})

	client := NewClient(socketPath, Caller{Principal: "team-7", Admin: true})
	var response echoResponse
	err := client.Call(context.Background(), "echo", map[string]any{"text": "hello"}, &response)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if response.Text != "hello" {
		t.Errorf("Text = %q", response.Text)
	}
	if response.Principal != "team-7" || !response.Admin {
		t.Errorf("caller = %q admin=%v, want team-7 admin", response.Principal, response.Admin)
	}
}

func TestCallHandlerError(t *testing.T) {
	socketPath := startTestServer(t, func(server *SocketServer) {
		server.Handle("fail", func(ctx context.Context, caller Caller, raw []byte) (any, error) {
			return nil, fmt.Errorf("instance: not found")
		})
	})

	client := NewClient(socketPath, Caller{Principal: "team-7"})
	err := client.Call(context.Background(), "fail", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error = %v, want *ServiceError", err)
	}
	if serviceErr.Action != "fail" || serviceErr.Message != "instance: not found" {
		t.Errorf("serviceErr = %+v", serviceErr)
	}
}

func TestCallUnknownAction(t *testing.T) {
	socketPath := startTestServer(t, func(server *SocketServer) {})

	client := NewClient(socketPath, Caller{})
	err := client.Call(context.Background(), "nope", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error = %v, want *ServiceError", err)
	}
}
