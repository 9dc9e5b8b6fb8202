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
	"sync"
	"time"
)

const shardStartStagger = 5 * time.Second

// ShardCoordinator owns the full set of gateway Sessions for a client and
// starts them in compliance with the identify-rate cap Discord enforces per
// max_concurrency bucket: one shard starts every 5 seconds, with an extra
// 5 second pause inserted every time a full bucket of max_concurrency
// shards has been started.
type ShardCoordinator struct {
	logger          Logger
	sink            EventSink
	token           string
	intents         GatewayIntent
	compress        bool
	shardCount      int
	maxConcurrency  int
	identifyLimiter IdentifyRateLimiter

	mu       sync.Mutex
	sessions map[int]*Session
}

// NewShardCoordinator builds a coordinator for shardCount total shards,
// honoring maxConcurrency as reported by GET /gateway/bot's
// session_start_limit.max_concurrency.
func NewShardCoordinator(token string, shardCount, maxConcurrency int, intents GatewayIntent, compress bool, logger Logger, sink EventSink) *ShardCoordinator {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &ShardCoordinator{
		logger:          logger,
		sink:            sink,
		token:           token,
		intents:         intents,
		compress:        compress,
		shardCount:      shardCount,
		maxConcurrency:  maxConcurrency,
		identifyLimiter: NewDefaultIdentifyRateLimiter(maxConcurrency, 5*time.Second),
		sessions:        make(map[int]*Session, shardCount),
	}
}

// Run starts every shard with the required staggering and blocks until the
// Session.Run of every started shard has returned; if ctx is cancelled
// during the staggering, the remaining shards are not started. Each shard
// runs its own reconnect-with-backoff loop inside Session.Run. When that Run
// returns (context cancellation, Close, or a fatal close code), the
// coordinator logs the exit and does not restart the shard.
func (c *ShardCoordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for shardID := range c.shardCount {
		if shardID > 0 {
			wait := shardStartStagger
			if shardID%c.maxConcurrency == 0 {
				wait += shardStartStagger
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				wg.Wait()
				return
			}
		}

		session := NewSession(shardID, c.shardCount, c.token, c.intents, c.compress, c.logger, c.sink, c.identifyLimiter)

		c.mu.Lock()
		c.sessions[shardID] = session
		c.mu.Unlock()

		wg.Add(1)
		go func(s *Session, id int) {
			defer wg.Done()
			s.Run(ctx)
			c.logger.WithField("shard_id", id).Info("coordinator: shard session exited")
		}(session, shardID)
	}

	wg.Wait()
}

// Session returns the running session for a shard id, or nil if the
// coordinator has not started it yet.
func (c *ShardCoordinator) Session(shardID int) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[shardID]
}

// Close closes every shard's session.
func (c *ShardCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.Close()
	}
}
