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
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type mockRoundTripper struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     h,
	}
}

func newTestRestClient(mockFn func(*http.Request) (*http.Response, error)) *restClient {
	mockClient := &http.Client{
		Transport: &mockRoundTripper{fn: mockFn},
		Timeout:   5 * time.Second,
	}
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	return newRestClient(mockClient, "testtoken", logger)
}

func TestRestClient_Get_Success(t *testing.T) {
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "Bot testtoken" {
			t.Fatalf("unexpected Authorization header: %q", got)
		}
		return newMockResponse(200, `{"url":"wss://gateway.discord.gg"}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	var out struct {
		URL string `json:"url"`
	}
	if err := r.Get(context.Background(), "/gateway/bot", &out); err != nil {
		t.Fatal(err)
	}
	if out.URL != "wss://gateway.discord.gg" {
		t.Fatalf("unexpected decoded body: %+v", out)
	}
}

func TestRestClient_RateLimitRetry(t *testing.T) {
	var attempts int32
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return newMockResponse(429, `{"message":"rate limited"}`, map[string]string{
				"Retry-After":           "0.05",
				"X-RateLimit-Remaining": "0",
			}), nil
		}
		return newMockResponse(200, `{}`, nil), nil
	})

	if err := r.Get(context.Background(), "/users/@me", nil); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRestClient_APIErrorDecoded(t *testing.T) {
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(404, `{"code":10003,"message":"Unknown Channel"}`, nil), nil
	})

	err := r.Get(context.Background(), "/channels/123", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if !apiErr.IsNotFound() {
		t.Fatalf("expected IsNotFound, got HTTPStatus=%d", apiErr.HTTPStatus)
	}
}

func TestRestClient_ReasonHeaderPercentEncoded(t *testing.T) {
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		if got, want := req.Header.Get(headerReason), "banned%20for%20spam%20%26%20abuse"; got != want {
			t.Fatalf("expected percent-encoded reason header %q, got %q", want, got)
		}
		return newMockResponse(204, ``, nil), nil
	})

	if err := r.Delete(context.Background(), "/channels/1", "banned for spam & abuse"); err != nil {
		t.Fatal(err)
	}
}

func TestRestClient_RouteKeyUsedForBucketIsolation(t *testing.T) {
	seen := make(map[string]struct{})
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		seen[RouteKey(req.Method, strings.TrimPrefix(req.URL.Path, "/api/v10"))] = struct{}{}
		return newMockResponse(200, `{}`, nil), nil
	})

	r.Get(context.Background(), "/channels/1/messages", nil)
	r.Get(context.Background(), "/channels/2/messages", nil)

	if len(seen) != 2 {
		t.Fatalf("expected two distinct route keys, got %d: %v", len(seen), seen)
	}
}

func TestRestClient_MultipartRebuildOnRetry(t *testing.T) {
	var attempts int32
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return newMockResponse(503, ``, nil), nil
		}
		body, _ := io.ReadAll(req.Body)
		if !bytes.Contains(body, []byte("hello world")) {
			t.Fatalf("expected rebuilt body to contain file contents, got %q", body)
		}
		return newMockResponse(200, `{}`, nil), nil
	})

	file := FileAttachment{
		Name:        "greeting.txt",
		ContentType: "text/plain",
		Reader:      bytes.NewReader([]byte("hello world")),
		Size:        11,
	}

	err := r.Multipart(context.Background(), http.MethodPost, "/channels/1/messages",
		map[string]string{"content": "hi"}, []FileAttachment{file}, "")
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRestClient_MultipartNonSeekableFailsOnRetry(t *testing.T) {
	var attempts int32
	r := newTestRestClient(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return newMockResponse(503, ``, nil), nil
		}
		return newMockResponse(200, `{}`, nil), nil
	})

	file := FileAttachment{
		Name:        "greeting.txt",
		ContentType: "text/plain",
		Reader:      io.NopCloser(strings.NewReader("hello")),
		Size:        5,
	}

	err := r.Multipart(context.Background(), http.MethodPost, "/channels/1/messages",
		nil, []FileAttachment{file}, "")
	if err == nil {
		t.Fatal("expected an error for a non-seekable attachment rebuilt on retry")
	}
}
