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
	"fmt"
	"log"
	"net/http"
)

/*****************************
 *          Client
 *****************************/

// Client wires together the REST client, event dispatcher, and shard
// coordinator into the single entry point applications construct.
//
// Create a Client using New() with a validated Config, register event
// handlers via On, then call Start to bring every shard up.
type Client struct {
	ctx context.Context

	Logger     Logger
	workerPool WorkerPool

	cfg             *Config
	identifyLimiter IdentifyRateLimiter

	rest         *restClient
	*dispatcher               // event registration (On) and dispatch
	coordinator *ShardCoordinator
}

// clientOption configures a Client during construction, following the same
// functional-options shape the gateway core's teacher used.
type clientOption func(*Client)

// WithLogger overrides the default logger, which New points at stderr unless
// Config.Logging.Output is "stdout".
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("WithLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithWorkerPool overrides the default worker pool used for event fan-out.
func WithWorkerPool(workerPool WorkerPool) clientOption {
	if workerPool == nil {
		log.Fatal("WithWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) {
		c.workerPool = workerPool
	}
}

// WithIdentifyRateLimiter overrides the default identify rate limiter
// derived from the gateway's session_start_limit.max_concurrency.
func WithIdentifyRateLimiter(rl IdentifyRateLimiter) clientOption {
	if rl == nil {
		log.Fatal("WithIdentifyRateLimiter: rl must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rl
	}
}

// WithHTTPClient overrides the REST client's underlying http.Client.
func WithHTTPClient(hc *http.Client) clientOption {
	return func(c *Client) {
		c.rest = newRestClient(hc, c.cfg.Gateway.BotToken, c.Logger)
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a Client from a validated Config. ctx governs the lifetime of
// every shard started by Start; a nil ctx defaults to context.Background(),
// meaning Start blocks until Shutdown is called externally.
func New(ctx context.Context, cfg *Config, options ...clientOption) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(cfg.logOutput(), cfg.logLevel()),
		cfg:    cfg,
	}
	client.rest = newRestClient(nil, cfg.Gateway.BotToken, client.Logger)

	for _, option := range options {
		option(client)
	}

	if client.workerPool == nil {
		client.workerPool = NewDefaultWorkerPool(client.Logger)
	}
	client.dispatcher = newDispatcher(client.Logger, client.workerPool)

	return client, nil
}

// Rest exposes the REST client for callers building a domain layer on top
// of dgcore (channels, messages, guilds, ...).
func (c *Client) Rest() *restClient { return c.rest }

// InteractionFollowupPath builds the webhook-style path Discord uses for
// interaction followup messages, which is addressed by application id
// rather than bot token. Returns a ConfigurationError if the Config this
// Client was built from never set Gateway.ApplicationID.
func (c *Client) InteractionFollowupPath(interactionToken string) (string, error) {
	if c.cfg.Gateway.ApplicationID == "" {
		return "", &ConfigurationError{
			Field: "gateway.application_id",
			Msg:   "application_id is required for interaction followup requests",
		}
	}
	return fmt.Sprintf("/webhooks/%s/%s", c.cfg.Gateway.ApplicationID, interactionToken), nil
}

/*****************************
 *       Start
 *****************************/

// Start fetches the gateway bootstrap info, builds the shard coordinator,
// and runs every shard until ctx is cancelled. Start blocks for the
// lifetime of the client.
func (c *Client) Start() error {
	gw, err := c.rest.DescribeGateway(c.ctx)
	if err != nil {
		return err
	}

	shardCount := c.cfg.Gateway.ShardCount
	if shardCount <= 0 {
		shardCount = gw.Shards
	}
	if shardCount <= 0 {
		shardCount = 1
	}

	c.coordinator = NewShardCoordinator(
		c.cfg.Gateway.BotToken,
		shardCount,
		gw.SessionStartLimit.MaxConcurrency,
		GatewayIntent(c.cfg.Gateway.Intents),
		c.cfg.Gateway.Compress,
		c.Logger,
		c.dispatcher,
	)
	if c.identifyLimiter != nil {
		c.coordinator.identifyLimiter = c.identifyLimiter
	}

	c.coordinator.Run(c.ctx)

	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("err", err).Error("client: shutting down due to context error")
	}
	c.Shutdown()
	return nil
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown tears down the REST client's idle connections and closes every
// running shard session.
func (c *Client) Shutdown() {
	c.Logger.Info("client: shutting down")
	if c.coordinator != nil {
		c.coordinator.Close()
	}
	c.rest.Shutdown()
}
