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
	"os"
	"runtime/debug"
	"sync"
)

// EventHandler receives a single dispatched event: the shard it arrived on,
// and the event's raw "d" payload, left undecoded so callers can unmarshal
// into whatever event-specific struct they maintain. The gateway core has
// no model of Discord's event catalogue beyond the envelope.
type EventHandler func(shardID int, data json.RawMessage)

// dispatcher fans DISPATCH payloads out to registered handlers without
// blocking the gateway read loop: each event is submitted to a worker pool,
// and a handler panic is recovered and logged rather than crashing a
// session's read goroutine.
//
// WARNING:
//   - Handler registration (On) takes the dispatcher's write lock, so it may
//     be called from several goroutines; a handler registered while shards
//     are running only sees events whose worker task reads the handler list
//     after the registration.
//   - Handlers for the same event name are invoked sequentially, in
//     registration order, but different events run concurrently with each
//     other on the worker pool.
type dispatcher struct {
	logger     Logger
	workerPool WorkerPool
	handlers   map[string][]EventHandler
	mu         sync.RWMutex
}

var _ EventSink = (*dispatcher)(nil)

// newDispatcher creates a dispatcher. If logger or workerPool are nil,
// defaults are constructed (stdout info logger, DefaultWorkerPool).
func newDispatcher(logger Logger, workerPool WorkerPool) *dispatcher {
	if logger == nil {
		logger = NewDefaultLogger(os.Stdout, LogLevelInfoLevel)
	}
	if workerPool == nil {
		workerPool = NewDefaultWorkerPool(logger)
	}
	return &dispatcher{
		logger:     logger,
		workerPool: workerPool,
		handlers:   make(map[string][]EventHandler, 20),
	}
}

// Dispatch implements EventSink. It is called from a Session's read loop
// for every DISPATCH payload.
func (d *dispatcher) Dispatch(shardID int, eventName string, data json.RawMessage) {
	d.logger.Debug("event '" + eventName + "' dispatched")

	if !d.workerPool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("event", eventName).
					WithField("shard_id", shardID).
					WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("recovered from panic while handling event")
			}
		}()

		d.mu.RLock()
		hs := d.handlers[eventName]
		d.mu.RUnlock()

		for _, h := range hs {
			h(shardID, data)
		}
	}) {
		d.logger.Warn("dispatcher: dropped event '" + eventName + "' due to full queue")
	}
}

// On registers a handler for the named event (e.g. "MESSAGE_CREATE",
// "READY", "GUILD_CREATE"). Multiple handlers may be registered for the
// same event; they run in registration order.
func (d *dispatcher) On(eventName string, handler EventHandler) {
	d.logger.Debug(eventName + " handler registered")

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], handler)
}
