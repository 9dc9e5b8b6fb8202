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
	"sync"
)

// bytesPool provides reusable byte slices for JSON marshaling/unmarshaling
// of wire payloads. Using different sizes for different use cases reduces
// allocations on the REST and gateway hot paths.
var (
	// smallBytesPool for small JSON payloads (< 4KB): heartbeats, acks, single
	// REST bodies.
	smallBytesPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 4096)
			return &b
		},
	}

	// mediumBytesPool for medium JSON payloads (< 64KB): dispatch events.
	mediumBytesPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 65536)
			return &b
		},
	}

	// largeBytesPool for large JSON payloads (< 1MB): GUILD_CREATE and bulk
	// REST responses.
	largeBytesPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 1048576)
			return &b
		},
	}
)

// AcquireBytes gets a byte slice from the appropriate pool based on size hint.
// The returned slice has len=0. Its capacity is at least sizeHint for hints
// up to 1MB; a larger hint still gets a slice from the 1MB pool.
func AcquireBytes(sizeHint int) *[]byte {
	if sizeHint <= 4096 {
		return smallBytesPool.Get().(*[]byte)
	} else if sizeHint <= 65536 {
		return mediumBytesPool.Get().(*[]byte)
	}
	return largeBytesPool.Get().(*[]byte)
}

// ReleaseBytes returns a byte slice to the appropriate pool.
// The slice is reset (len=0) but capacity is preserved.
func ReleaseBytes(b *[]byte) {
	if b == nil || *b == nil {
		return
	}

	// Reset length but keep capacity
	*b = (*b)[:0]

	c := cap(*b)
	if c <= 4096 {
		smallBytesPool.Put(b)
	} else if c <= 65536 {
		mediumBytesPool.Put(b)
	} else if c <= 1048576 {
		largeBytesPool.Put(b)
	}
	// Don't pool extremely large slices to avoid memory bloat
}
