// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface parameter instead of calling
// time.Now, time.After, time.NewTicker, or time.Sleep directly. In
// production, Real() provides the standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when Advance
// is called.
//
// The lifecycle manager computes instance deadlines from Clock.Now, the
// reaper sweeps on a Clock ticker, and provisioner retry backoff uses
// Clock.Sleep. Injecting a FakeClock makes expiry and race scenarios
// fully deterministic: a test can create an instance, advance the clock
// past its deadline, and observe the reaper terminate it without any
// wall-clock waiting.
//
// # FakeClock synchronization
//
// When a goroutine calls Sleep, After, or NewTicker on a FakeClock, it
// registers a pending waiter. Use WaitForTimers to block until a given
// number of waiters are registered before calling Advance. This
// eliminates the race between timer registration and time advancement
// that plagues tests using time.Sleep for synchronization.
package clock
