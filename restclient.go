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
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	apiVersion  = "v10"
	baseAPIURL  = "https://discord.com/api/" + apiVersion
	maxRetries  = 5
	headerReason = "X-Audit-Log-Reason"

	// MaxFileSize is the maximum size for a single multipart attachment.
	MaxFileSize = 25 * 1024 * 1024
	// MaxFiles is the maximum number of attachments per request.
	MaxFiles = 10
)

var retryableStatusCodes = map[int]struct{}{
	429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// percentEncodeReason percent-encodes a caller-supplied audit log reason the
// way encodeURIComponent would: url.QueryEscape gets the character set
// right but represents space as '+' instead of %20, so swap that back in.
func percentEncodeReason(reason string) string {
	return strings.ReplaceAll(url.QueryEscape(reason), "+", "%20")
}

// restClient is a generic, rate-limit-aware HTTP client over the REST API.
// It exposes path-based verbs rather than per-endpoint domain methods: the
// domain model (channels, guilds, messages, ...) is a separate concern from
// the connectivity core this package implements.
type restClient struct {
	client    *http.Client
	token     string
	userAgent string
	logger    Logger
	rl        *RateLimiter
}

// newRestClient builds a restClient. If httpClient is nil, a client tuned
// for high-concurrency keep-alive reuse is built, matching the transport
// settings a production gateway+REST client needs.
func newRestClient(httpClient *http.Client, token string, logger Logger) *restClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				ForceAttemptHTTP2: true,
			},
		}
	}

	return &restClient{
		client:    httpClient,
		token:     "Bot " + token,
		userAgent: "DiscordBot (" + LIB_NAME + ", " + LIB_VERSION + ")",
		logger:    logger,
		rl:        NewRateLimiter(logger),
	}
}

// Shutdown closes idle connections held by the underlying HTTP client.
func (r *restClient) Shutdown() {
	if tr, ok := r.client.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

// bodyFactory builds a fresh request body for each attempt. A nil factory
// means the request has no body. When a factory returns an error (the
// multipart factory returns ErrBodyNotRebuildable), do() returns that error
// without further attempts.
type bodyFactory func() (io.Reader, error)

func staticBody(b []byte) bodyFactory {
	return func() (io.Reader, error) {
		if b == nil {
			return nil, nil
		}
		return bytes.NewReader(b), nil
	}
}

// do sends an HTTP request with dynamic rate-limit bucket discovery and
// retry handling, per §4.2/§4.3: the route's Permit is held for the
// duration of the attempt and released only after the response headers
// have been observed.
func (r *restClient) do(ctx context.Context, method, path string, body bodyFactory, contentType, reason string) (*http.Response, error) {
	route := RouteKey(method, path)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		permit, err := r.rl.Acquire(ctx, route)
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if body != nil {
			reqBody, err = body()
			if err != nil {
				permit.Release(nil)
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, baseAPIURL+path, reqBody)
		if err != nil {
			permit.Release(nil)
			return nil, err
		}

		req.Header.Set("Authorization", r.token)
		req.Header.Set("User-Agent", r.userAgent)
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if reason != "" {
			req.Header.Set(headerReason, percentEncodeReason(reason))
		}

		resp, err := r.client.Do(req)
		if err != nil {
			permit.Release(nil)
			lastErr = err
			r.logger.Warn(fmt.Sprintf("restclient: request error for %s %s: %v", method, path, err))
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if resp.StatusCode == 429 {
			retryAfter := parseRetryAfter(resp.Header)
			permit.Release(resp.Header)
			resp.Body.Close()
			lastErr = &RateLimitError{Route: route, RetryAfter: retryAfter.Seconds(), Global: resp.Header.Get(headerGlobal) == "true"}
			r.logger.Debug(fmt.Sprintf("restclient: 429 on %s, retrying after %v", route, retryAfter))
			if sleepErr := sleepCtx(ctx, retryAfter); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if _, retryable := retryableStatusCodes[resp.StatusCode]; retryable {
			permit.Release(resp.Header)
			resp.Body.Close()
			lastErr = fmt.Errorf("dgcore: retryable status %d for %s %s", resp.StatusCode, method, path)
			if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		permit.Release(resp.Header)
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dgcore: max retries reached for %s %s", method, path)
	}
	return nil, lastErr
}

func parseRetryAfter(h http.Header) time.Duration {
	retry := h.Get(headerRetryAfter)
	if retry == "" {
		return time.Second
	}
	sec, err := strconv.ParseFloat(retry, 64)
	if err != nil {
		return time.Second
	}
	whole, frac := math.Modf(sec)
	return time.Duration(whole)*time.Second + time.Duration(frac*1000)*time.Millisecond
}

func (r *restClient) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			sonic.Unmarshal(data, &apiErr)
		}
		apiErr.HTTPStatus = resp.StatusCode
		return &apiErr
	}

	if out == nil || resp.StatusCode == 204 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

/***********************
 *   Path-based verbs  *
 ***********************/

func (r *restClient) Get(ctx context.Context, path string, out any) error {
	resp, err := r.do(ctx, http.MethodGet, path, nil, "", "")
	if err != nil {
		return err
	}
	return r.decode(resp, out)
}

func (r *restClient) Post(ctx context.Context, path string, in, out any, reason string) error {
	return r.sendJSON(ctx, http.MethodPost, path, in, out, reason)
}

func (r *restClient) Patch(ctx context.Context, path string, in, out any, reason string) error {
	return r.sendJSON(ctx, http.MethodPatch, path, in, out, reason)
}

func (r *restClient) Put(ctx context.Context, path string, in, out any, reason string) error {
	return r.sendJSON(ctx, http.MethodPut, path, in, out, reason)
}

func (r *restClient) Delete(ctx context.Context, path string, reason string) error {
	resp, err := r.do(ctx, http.MethodDelete, path, nil, "", reason)
	if err != nil {
		return err
	}
	return r.decode(resp, nil)
}

func (r *restClient) sendJSON(ctx context.Context, method, path string, in, out any, reason string) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = sonic.Marshal(in)
		if err != nil {
			return &ValidationError{Field: "body", Msg: err.Error()}
		}
	}
	resp, err := r.do(ctx, method, path, staticBody(payload), "application/json", reason)
	if err != nil {
		return err
	}
	return r.decode(resp, out)
}

/***********************
 *   Gateway bootstrap *
 ***********************/

// DescribeGateway fetches the bot gateway bootstrap info (recommended shard
// count, session start limit) that the shard coordinator consumes.
func (r *restClient) DescribeGateway(ctx context.Context) (*GatewayBot, error) {
	var gw GatewayBot
	if err := r.Get(ctx, "/gateway/bot", &gw); err != nil {
		return nil, err
	}
	return &gw, nil
}

/***********************
 *   Multipart upload  *
 ***********************/

// FileAttachment is a single file to upload alongside a JSON payload.
type FileAttachment struct {
	Name        string
	ContentType string
	Reader      io.Reader
	Size        int64
}

func (f *FileAttachment) Validate() error {
	if f.Name == "" {
		return &ValidationError{Field: "name", Msg: "filename is required"}
	}
	if f.Reader == nil {
		return &ValidationError{Field: "reader", Msg: "file reader is required"}
	}
	if f.Size > MaxFileSize {
		return &ValidationError{Field: "size", Msg: fmt.Sprintf("file size %d exceeds maximum %d bytes", f.Size, MaxFileSize)}
	}
	return nil
}

// multipartBodyFactory returns a bodyFactory that rebuilds the multipart
// form (JSON part + file parts) from scratch on every call, which is what
// lets Multipart retries survive a 429 or transient 5xx: unlike a
// once-materialized buffer, each invocation re-reads every FileAttachment's
// Reader after seeking it back to the start, so attachments backed by an
// io.Seeker (an *os.File, a bytes.Reader) work across retries.
func multipartBodyFactory(payloadField string, payload []byte, files []FileAttachment) (bodyFactory, string) {
	boundary := multipartBoundary()
	contentType := "multipart/form-data; boundary=" + boundary
	calls := 0

	factory := func() (io.Reader, error) {
		calls++

		// On any rebuild past the first, every attachment reader must be
		// seekable back to its start; one that isn't was already drained
		// by the previous attempt and cannot be resent.
		if calls > 1 {
			for i := range files {
				seeker, ok := files[i].Reader.(io.Seeker)
				if !ok {
					return nil, ErrBodyNotRebuildable
				}
				if _, err := seeker.Seek(0, io.SeekStart); err != nil {
					return nil, fmt.Errorf("dgcore: rewinding attachment %q for retry: %w", files[i].Name, err)
				}
			}
		}

		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		if err := w.SetBoundary(boundary); err != nil {
			return nil, err
		}

		if len(payload) > 0 {
			part, err := w.CreateFormField(payloadField)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(payload); err != nil {
				return nil, err
			}
		}

		for i, f := range files {
			if err := f.Validate(); err != nil {
				return nil, err
			}
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h := map[string][]string{
				"Content-Disposition": {fmt.Sprintf(`form-data; name="file%d"; filename="%s"`, i, f.Name)},
				"Content-Type":        {ct},
			}
			part, err := w.CreatePart(h)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(part, f.Reader); err != nil {
				return nil, err
			}
		}

		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return factory, contentType
}

// multipartBoundary derives a boundary string that stays fixed across
// retries of the same logical request, so the Content-Type header computed
// once up front stays valid for every rebuild the body factory produces.
func multipartBoundary() string {
	var b [16]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand failure is effectively unrecoverable entropy
		// starvation; fall back to a fixed, still-valid boundary rather
		// than failing the whole upload.
		return "dgcore-boundary-fallback"
	}
	return "dgcore-" + hex.EncodeToString(b[:])
}

// Multipart sends a JSON payload alongside file attachments. The body
// factory re-reads every FileAttachment.Reader on each attempt; on any
// attempt after the first, each reader must be an io.Seeker (it is rewound
// to the start), and a reader that is not one makes the request fail with
// ErrBodyNotRebuildable.
func (r *restClient) Multipart(ctx context.Context, method, path string, payload any, files []FileAttachment, reason string) error {
	if len(files) == 0 {
		return &ValidationError{Field: "files", Msg: "at least one file is required"}
	}
	if len(files) > MaxFiles {
		return &ValidationError{Field: "files", Msg: fmt.Sprintf("too many files: %d (maximum %d)", len(files), MaxFiles)}
	}

	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = sonic.Marshal(payload)
		if err != nil {
			return &ValidationError{Field: "payload", Msg: err.Error()}
		}
	}

	factory, contentType := multipartBodyFactory("payload_json", payloadJSON, files)

	resp, err := r.do(ctx, method, path, factory, contentType, reason)
	if err != nil {
		return err
	}
	return r.decode(resp, nil)
}
