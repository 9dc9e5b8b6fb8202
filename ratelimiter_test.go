/************************************************************************************
 *
 * dgcore, connectivity core for a chat-platform client (gateway + REST)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package dgcore

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func newTestHeaders(kv map[string]string) http.Header {
	h := make(http.Header)
	for k, v := range kv {
		h.Set(k, v)
	}
	return h
}

func TestRateLimiter_AcquireRelease(t *testing.T) {
	rl := NewRateLimiter(NewDefaultLogger(nil, LogLevelDebugLevel))

	permit, err := rl.Acquire(context.Background(), "GET:/users/:id")
	if err != nil {
		t.Fatal(err)
	}
	permit.Release(newTestHeaders(map[string]string{
		"X-RateLimit-Remaining":   "5",
		"X-RateLimit-Limit":       "5",
		"X-RateLimit-Reset-After": "0.01",
	}))
}

func TestRateLimiter_WaitsOutExhaustedBucket(t *testing.T) {
	rl := NewRateLimiter(NewDefaultLogger(nil, LogLevelDebugLevel))

	permit, err := rl.Acquire(context.Background(), "GET:/users/:id")
	if err != nil {
		t.Fatal(err)
	}
	permit.Release(newTestHeaders(map[string]string{
		"X-RateLimit-Remaining":   "0",
		"X-RateLimit-Limit":       "1",
		"X-RateLimit-Reset-After": "0.1",
	}))

	start := time.Now()
	permit2, err := rl.Acquire(context.Background(), "GET:/users/:id")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("expected Acquire to wait for bucket reset, took %v", time.Since(start))
	}
	permit2.Release(nil)
}

func TestRateLimiter_GlobalGateBlocksAllRoutes(t *testing.T) {
	rl := NewRateLimiter(NewDefaultLogger(nil, LogLevelDebugLevel))
	rl.TripGlobal(80 * time.Millisecond)

	start := time.Now()
	permit, err := rl.Acquire(context.Background(), "GET:/guilds/:id")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("expected Acquire to respect global gate, took %v", time.Since(start))
	}
	permit.Release(nil)
}

func TestRateLimiter_AcquireRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(NewDefaultLogger(nil, LogLevelDebugLevel))
	rl.TripGlobal(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := rl.Acquire(ctx, "GET:/guilds/:id")
	if err == nil {
		t.Fatal("expected Acquire to return an error on context deadline")
	}
}

func TestRateLimiter_ObserveGlobalHeaderTripsGate(t *testing.T) {
	rl := NewRateLimiter(NewDefaultLogger(nil, LogLevelDebugLevel))
	rl.Observe("POST:/guilds/:id", newTestHeaders(map[string]string{
		"X-RateLimit-Global": "true",
		"Retry-After":        "0.05",
	}))

	if !rl.global.until().After(time.Now()) {
		t.Fatal("expected global gate to be tripped by X-RateLimit-Global header")
	}
}
