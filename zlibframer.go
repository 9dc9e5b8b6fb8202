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
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// zlibSuffix is the sync-flush trailer Discord appends to every
// zlib-compressed gateway message; its presence marks a chunk boundary.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// gatewayFramer performs continuous zlib-stream decompression across an
// entire gateway connection's lifetime. Discord's "transport compression"
// mode compresses the whole connection as one zlib stream, flushing after
// each message with the 4-byte suffix above rather than resetting context
// per message — the decompressor MUST keep that one stream's dictionary
// alive across frames, or every message after the first fails to decode.
//
// Go's compress/flate turns any EOF hit while fetching the next block
// header into io.ErrUnexpectedEOF (see flate's internal noEOF helper),
// even exactly at a clean sync-flush boundary. That means handing a
// persistent (non-Reset) zlib.Reader a fresh bytes.Reader per chunk always
// errors once the chunk's bytes run out, because the bytes.Reader reports
// a real EOF where the stream merely paused. The fix is to never let the
// decompressor's source report EOF mid-connection: it reads from the
// blocking side of an io.Pipe instead, so it stalls waiting for the next
// Write rather than erroring when a chunk's bytes are exhausted.
type gatewayFramer struct {
	pw *io.PipeWriter
	pr *io.PipeReader

	results chan frameResult
	done    chan struct{}
	once    sync.Once

	buf bytes.Buffer
}

type frameResult struct {
	msg json.RawMessage
	err error
}

// newGatewayFramer starts the background decode loop and returns a framer
// ready to accept push()ed frames. The zlib reader itself is constructed
// lazily inside the loop goroutine, since zlib.NewReader blocks reading
// the 2-byte zlib header from the pipe until the first chunk is written.
func newGatewayFramer() *gatewayFramer {
	pr, pw := io.Pipe()
	f := &gatewayFramer{
		pr:      pr,
		pw:      pw,
		results: make(chan frameResult),
		done:    make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *gatewayFramer) loop() {
	zr, err := zlib.NewReader(f.pr)
	if err != nil {
		f.emit(frameResult{err: err})
		return
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var raw json.RawMessage
		decErr := dec.Decode(&raw)
		if f.emit(frameResult{msg: raw, err: decErr}) {
			return
		}
		if decErr != nil {
			return
		}
	}
}

// emit delivers a result to whichever push() call is waiting, or drops it
// if the framer has been closed. Returns true if the framer is closed.
func (f *gatewayFramer) emit(r frameResult) bool {
	select {
	case f.results <- r:
		return false
	case <-f.done:
		return true
	}
}

// push feeds one raw binary WebSocket frame into the stream. It returns a
// decoded JSON payload once frame completes a chunk (ends with the
// sync-flush suffix); otherwise it returns (nil, nil) and the caller
// should keep accumulating by pushing the next frame.
func (f *gatewayFramer) push(frame []byte) (json.RawMessage, error) {
	f.buf.Write(frame)

	if !bytes.HasSuffix(f.buf.Bytes(), zlibSuffix) {
		return nil, nil
	}

	chunk := AcquireBytes(f.buf.Len())
	*chunk = append((*chunk)[:0], f.buf.Bytes()...)
	f.buf.Reset()

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := f.pw.Write(*chunk)
		ReleaseBytes(chunk)
		writeErrCh <- err
	}()

	select {
	case r := <-f.results:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFramerDesync, r.err)
		}
		return r.msg, nil
	case err := <-writeErrCh:
		if err != nil {
			return nil, err
		}
		// Write completed but no result yet; wait for the decode.
		r := <-f.results
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFramerDesync, r.err)
		}
		return r.msg, nil
	case <-f.done:
		return nil, ErrSessionClosed
	}
}

// Close tears down the framer's pipe and background goroutine. Safe to
// call multiple times.
func (f *gatewayFramer) Close() {
	f.once.Do(func() {
		close(f.done)
		f.pw.CloseWithError(io.ErrClosedPipe)
		f.pr.CloseWithError(io.ErrClosedPipe)
	})
}
