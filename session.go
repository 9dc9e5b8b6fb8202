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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

/*******************************
 * Identify rate limiter
 *******************************/

// IdentifyRateLimiter controls the frequency of Identify payloads sent
// across all of a client's sessions. Implementations block the caller in
// Wait() until an Identify token is available.
type IdentifyRateLimiter interface {
	Wait()
}

// DefaultIdentifyRateLimiter implements a simple token bucket using a
// buffered channel: it starts with burst tokens and gains one token per
// interval, never holding more than burst. NewShardCoordinator builds it
// with burst = max_concurrency and a 5-second interval, so after the initial
// burst it admits one identify every 5 seconds.
type DefaultIdentifyRateLimiter struct {
	tokens chan struct{}
}

var _ IdentifyRateLimiter = (*DefaultIdentifyRateLimiter)(nil)

func NewDefaultIdentifyRateLimiter(burst int, interval time.Duration) *DefaultIdentifyRateLimiter {
	rl := &DefaultIdentifyRateLimiter{tokens: make(chan struct{}, burst)}
	for range burst {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return rl
}

func (rl *DefaultIdentifyRateLimiter) Wait() {
	<-rl.tokens
}

/*************************************
 * EventSink
 *************************************/

// EventSink receives dispatched gateway events. The gateway core has no
// opinion on how events fan out to application code beyond this seam;
// dispatcher.go's worker-pool-backed implementation is the default.
type EventSink interface {
	Dispatch(shardID int, eventName string, data json.RawMessage)
}

/*************************************
 * Session: a single Gateway connection
 *************************************/

const (
	gatewayVersion    = "10"
	defaultGatewayURL = "wss://gateway.discord.gg"

	maxReconnectBackoff = 120 * time.Second
)

// SessionState holds the resumable state of one gateway connection:
// sequence number, session id, and resume URL, each swapped atomically so
// the heartbeat and read goroutines can touch them without a mutex.
type SessionState struct {
	seq       atomic.Int64
	sessionID atomic.Pointer[string]
	resumeURL atomic.Pointer[string]
	lastAckAt atomic.Int64 // MonotonicNow() timestamp of the last HEARTBEAT_ACK
	latencyMs atomic.Int64
}

func (s *SessionState) Sequence() int64   { return s.seq.Load() }
func (s *SessionState) LatencyMs() int64  { return s.latencyMs.Load() }
func (s *SessionState) sessionIDStr() string {
	if p := s.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}
func (s *SessionState) resumeURLStr() string {
	if p := s.resumeURL.Load(); p != nil {
		return *p
	}
	return ""
}

// Session manages a single WebSocket connection to the gateway: the
// identify/resume handshake, heartbeat loop with zombie-connection
// detection, and reconnect-with-backoff driver loop.
type Session struct {
	shardID     int
	shardCount  int
	token       string
	intents     GatewayIntent
	compress    bool

	logger          Logger
	sink            EventSink
	identifyLimiter IdentifyRateLimiter

	state  SessionState
	conn   net.Conn
	framer *gatewayFramer

	closed atomic.Bool
}

// NewSession constructs a Session. A leading "Bot " prefix is stripped from
// token: the identify and resume payloads carry the bare token, while the
// REST client adds the prefix to its own Authorization header.
func NewSession(shardID, shardCount int, token string, intents GatewayIntent, compress bool, logger Logger, sink EventSink, limiter IdentifyRateLimiter) *Session {
	return &Session{
		shardID:         shardID,
		shardCount:      shardCount,
		token:           strings.TrimPrefix(token, "Bot "),
		intents:         intents,
		compress:        compress,
		logger:          logger,
		sink:            sink,
		identifyLimiter: limiter,
	}
}

func (s *Session) State() *SessionState { return &s.state }

// Run drives the session's full lifetime: connect, read, heartbeat, and
// reconnect with exponential backoff and jitter. It returns when ctx is
// done, when Close has been called, or when the gateway closes the
// connection with a fatal close code.
func (s *Session) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if s.closed.Load() {
			return
		}

		err := s.connectAndServe(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		var gerr *GatewayError
		if errors.As(err, &gerr) && gerr.Fatal {
			s.logger.WithField("shard_id", s.shardID).WithField("close_code", gerr.CloseCode).WithField("err", err).
				Error("session: fatal gateway close code, not reconnecting")
			return
		}

		s.logger.WithField("shard_id", s.shardID).WithField("err", err).Warn("session: connection ended, reconnecting")

		backoff := reconnectBackoff(attempt)
		attempt++
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// reconnectBackoff implements the capped exponential backoff with jitter:
// min(2^min(attempt,6) + rand(0..1000ms), 120s).
func reconnectBackoff(attempt int) time.Duration {
	exp := attempt
	if exp > 6 {
		exp = 6
	}
	base := time.Duration(math.Pow(2, float64(exp))) * time.Second
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	d := base + jitter
	if d > maxReconnectBackoff {
		d = maxReconnectBackoff
	}
	return d
}

// normalizeGatewayURL ensures the v/encoding/compress query parameters are
// present. Discord's resume_gateway_url and the /gateway/bot URL both come
// back bare; the base wss://gateway.discord.gg constant is bare too.
func normalizeGatewayURL(raw string, compress bool) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("v", gatewayVersion)
	q.Set("encoding", "json")
	if compress {
		q.Set("compress", "zlib-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) connectAndServe(ctx context.Context) error {
	target := s.state.resumeURLStr()
	if target == "" {
		target = defaultGatewayURL
	}
	target = normalizeGatewayURL(target, s.compress)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, _, err := ws.Dialer{}.Dial(dialCtx, target)
	cancel()
	if err != nil {
		return err
	}
	s.conn = conn
	defer conn.Close()

	if s.compress {
		s.framer = newGatewayFramer()
		defer s.framer.Close()
	}

	s.logger.WithField("shard_id", s.shardID).Info("session: connected")
	return s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) error {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return s.closeErrorFor(closed.Code)
			}
			return err
		}

		var data []byte
		switch op {
		case ws.OpText:
			data = raw
		case ws.OpBinary:
			if !s.compress {
				continue
			}
			msg, ferr := s.framer.push(raw)
			if ferr != nil {
				return ferr
			}
			if msg == nil {
				continue
			}
			data = msg
		default:
			continue
		}

		var payload gatewayPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.WithField("shard_id", s.shardID).WithField("err", err).Warn("session: malformed payload, dropping frame")
			continue
		}

		if err := s.handlePayload(heartbeatCtx, &payload); err != nil {
			return err
		}
	}
}

func (s *Session) handlePayload(ctx context.Context, payload *gatewayPayload) error {
	switch payload.Op {
	case gatewayOpcodeDispatch:
		s.state.seq.Store(payload.S)
		s.sink.Dispatch(s.shardID, payload.T, payload.D)

		if payload.T == "READY" {
			var ready struct {
				SessionID string `json:"session_id"`
				ResumeURL string `json:"resume_gateway_url"`
			}
			if err := json.Unmarshal(payload.D, &ready); err == nil {
				s.state.sessionID.Store(&ready.SessionID)
				s.state.resumeURL.Store(&ready.ResumeURL)
			}
		}

	case gatewayOpcodeReconnect:
		return errReconnectRequested

	case gatewayOpcodeInvalidSession:
		var resumable bool
		json.Unmarshal(payload.D, &resumable)
		time.Sleep(time.Second)
		if resumable {
			return s.sendResume()
		}
		s.state.sessionID.Store(nil)
		s.state.seq.Store(0)
		return s.sendIdentify()

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		json.Unmarshal(payload.D, &hello)
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.state.lastAckAt.Store(MonotonicNow())

		// The first heartbeat is sent inline, right after HELLO, not after
		// a jittered delay: the zombie-detection clock starts ticking from
		// lastAckAt the instant HELLO arrives, so deferring the first beat
		// would push the effective zombie deadline past 2*interval.
		if err := s.sendHeartbeat(); err != nil {
			return err
		}
		go s.heartbeatLoop(ctx, interval)

		if s.state.sessionIDStr() != "" && s.state.seq.Load() > 0 {
			return s.sendResume()
		}
		return s.sendIdentify()

	case gatewayOpcodeHeartbeatACK:
		s.state.lastAckAt.Store(MonotonicNow())

	case gatewayOpcodeHeartbeat:
		return s.sendHeartbeat()
	}

	return nil
}

var errReconnectRequested = errors.New("dgcore: gateway requested reconnect")

// fatalCloseCodes lists the gateway close codes the spec marks
// non-reconnectable: the identify itself was rejected or malformed, so
// retrying with the same credentials and shard config can't succeed.
var fatalCloseCodes = map[GatewayCloseEventCode]bool{
	GatewayCloseEventCodeAuthenticationFailed: true,
	GatewayCloseEventCodeInvalidShard:         true,
	GatewayCloseEventCodeShardingRequired:     true,
	GatewayCloseEventCodeInvalidAPIVersion:    true,
	GatewayCloseEventCodeInvalidIntents:       true,
	GatewayCloseEventCodeDisallowedIntents:    true,
}

// closeErrorFor wraps a WebSocket close code into a GatewayError, marking it
// Fatal when the code is one Run must not retry.
func (s *Session) closeErrorFor(code ws.StatusCode) error {
	closeCode := GatewayCloseEventCode(code)
	return &GatewayError{
		Kind:      ErrKindGateway,
		ShardID:   s.shardID,
		CloseCode: closeCode,
		Fatal:     fatalCloseCodes[closeCode],
		Err:       fmt.Errorf("dgcore: gateway closed with code %d", closeCode),
	}
}

func (s *Session) sendIdentify() error {
	s.identifyLimiter.Wait()

	if s.intents.Has(GatewayIntentGuildMembers) || s.intents.Has(GatewayIntentGuildPresences) {
		s.logger.WithField("shard_id", s.shardID).Debug("session: identifying with a privileged intent")
	}

	payload, err := json.Marshal(map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      "linux",
				"browser": LIB_NAME,
				"device":  LIB_NAME,
			},
			"compress": s.compress,
			"shards":   [2]int{s.shardID, s.shardCount},
			// intents is serialized as a raw integer, not a named list:
			// GatewayIntent has no MarshalJSON override so encoding/json
			// emits its underlying uint32 value directly.
			"intents": s.intents,
		},
	})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(s.conn, ws.OpText, payload)
}

func (s *Session) sendResume() error {
	if s.state.sessionIDStr() == "" || s.state.seq.Load() == 0 {
		return ErrNotResumable
	}
	payload, err := json.Marshal(map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": s.state.sessionIDStr(),
			"seq":        s.state.seq.Load(),
		},
	})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(s.conn, ws.OpText, payload)
}

func (s *Session) sendHeartbeat() error {
	payload, err := json.Marshal(map[string]any{
		"op": gatewayOpcodeHeartbeat,
		"d":  s.state.seq.Load(),
	})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(s.conn, ws.OpText, payload)
}

// heartbeatLoop sends heartbeats at the negotiated interval on behalf of the
// caller's initial inline beat (see handlePayload's Hello case). A
// connection is considered a zombie — and the session torn down for
// reconnect — once now - last_ack_at exceeds twice the interval.
func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	threshold := int64(2 * interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := MonotonicNow()
			last := s.state.lastAckAt.Load()
			if last != 0 && now-last > threshold {
				s.logger.WithField("shard_id", s.shardID).Warn("session: heartbeat zombie detected, forcing reconnect")
				s.conn.Close()
				return
			}
			start := MonotonicNow()
			if err := s.sendHeartbeat(); err != nil {
				return
			}
			s.state.latencyMs.Store((MonotonicNow() - start) / 1_000_000)
		}
	}
}

// Close terminates the session and prevents Run from reconnecting.
func (s *Session) Close() error {
	s.closed.Store(true)
	if s.framer != nil {
		s.framer.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
