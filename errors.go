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
	"errors"
	"fmt"
)

// Common sentinel errors returned by dgcore.
var (
	// ErrBodyNotRebuildable is returned when a multipart request must be
	// retried but one of its attachment readers is not an io.Seeker, so the
	// stream drained by the previous attempt cannot be rewound and resent.
	ErrBodyNotRebuildable = errors.New("dgcore: multipart body is not rebuildable for retry")

	// ErrGlobalRateLimited is returned by Acquire when the global gate is
	// tripped and the caller's context expires before it reopens.
	ErrGlobalRateLimited = errors.New("dgcore: global rate limit active")

	// ErrSessionClosed is returned by session operations attempted after
	// Close has been called.
	ErrSessionClosed = errors.New("dgcore: session is closed")

	// ErrNotResumable is returned when a resume is attempted without a prior
	// session id and sequence.
	ErrNotResumable = errors.New("dgcore: session has nothing to resume")

	// ErrFramerDesync wraps the error the compression framer returns when its
	// continuous zlib stream fails to decompress or decode a completed chunk
	// (for example when frames arrive out of order relative to the zlib
	// sync-flush boundary).
	ErrFramerDesync = errors.New("dgcore: compression framer desynchronized")
)

// ErrorKind classifies the error-handling table from the spec: each
// component surfaces failures tagged with one of these kinds so callers can
// decide retry vs. abort without string matching.
type ErrorKind int

const (
	ErrKindGateway ErrorKind = iota
	ErrKindHTTP
	ErrKindRateLimit
	ErrKindSerialization
	ErrKindValidation
	ErrKindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindGateway:
		return "gateway"
	case ErrKindHTTP:
		return "http"
	case ErrKindRateLimit:
		return "rate_limit"
	case ErrKindSerialization:
		return "serialization"
	case ErrKindValidation:
		return "validation"
	case ErrKindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// GatewayError wraps a failure originating from a single gateway session.
// Fatal is set for close codes the spec marks non-reconnectable (e.g.
// authentication failure, invalid intents): the session must not retry.
type GatewayError struct {
	Kind      ErrorKind
	ShardID   int
	CloseCode GatewayCloseEventCode
	Fatal     bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("dgcore: gateway shard %d: %v", e.ShardID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// APIError represents a structured error body returned by the REST API.
type APIError struct {
	Code       int            `json:"code"`
	Message    string         `json:"message"`
	Errors     map[string]any `json:"errors,omitempty"`
	HTTPStatus int            `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dgcore: api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

func (e *APIError) IsNotFound() bool     { return e.HTTPStatus == 404 }
func (e *APIError) IsUnauthorized() bool { return e.HTTPStatus == 401 }
func (e *APIError) IsForbidden() bool    { return e.HTTPStatus == 403 }
func (e *APIError) IsRateLimited() bool  { return e.HTTPStatus == 429 }

// RateLimitError is returned when a request runs out of attempts and its
// last attempt was answered with a 429; it describes that response.
type RateLimitError struct {
	Route      string
	RetryAfter float64
	Global     bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("dgcore: rate limited on route %s, retry after %.2fs (global=%v)", e.Route, e.RetryAfter, e.Global)
}

// ValidationError reports a construction-time or argument validation
// failure (e.g. a request body that fails to marshal, or a FileAttachment
// that fails Validate).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dgcore: validation: %s: %s", e.Field, e.Msg)
}

// ConfigurationError reports a problem with the Config used to construct a
// Client (missing token, missing application id for an operation that needs
// one, malformed YAML).
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dgcore: configuration: %s: %s", e.Field, e.Msg)
}
