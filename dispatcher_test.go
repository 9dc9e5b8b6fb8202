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
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestDispatcher_RoutesToRegisteredHandler(t *testing.T) {
	d := newDispatcher(NewDefaultLogger(nil, LogLevelDebugLevel), nil)

	var mu sync.Mutex
	var got json.RawMessage
	done := make(chan struct{})

	d.On("MESSAGE_CREATE", func(shardID int, data json.RawMessage) {
		mu.Lock()
		got = data
		mu.Unlock()
		close(done)
	})

	d.Dispatch(0, "MESSAGE_CREATE", json.RawMessage(`{"content":"hi"}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != `{"content":"hi"}` {
		t.Fatalf("unexpected payload delivered to handler: %s", got)
	}
}

func TestDispatcher_UnregisteredEventIsIgnored(t *testing.T) {
	d := newDispatcher(NewDefaultLogger(nil, LogLevelDebugLevel), nil)
	// Should not panic or block even though nothing is registered.
	d.Dispatch(0, "UNKNOWN_EVENT", json.RawMessage(`{}`))
}

func TestDispatcher_PanicInHandlerIsRecovered(t *testing.T) {
	d := newDispatcher(NewDefaultLogger(nil, LogLevelDebugLevel), nil)

	done := make(chan struct{})
	d.On("READY", func(shardID int, data json.RawMessage) {
		defer close(done)
		panic("boom")
	})

	d.Dispatch(0, "READY", json.RawMessage(`{}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked within timeout")
	}
}

func TestDispatcher_MultipleHandlersRunInOrder(t *testing.T) {
	d := newDispatcher(NewDefaultLogger(nil, LogLevelDebugLevel), nil)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	d.On("GUILD_CREATE", func(shardID int, data json.RawMessage) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	d.On("GUILD_CREATE", func(shardID int, data json.RawMessage) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		close(done)
	})

	d.Dispatch(0, "GUILD_CREATE", json.RawMessage(`{}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers were not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers to run in registration order, got %v", order)
	}
}
