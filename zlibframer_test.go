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
	"testing"
)

// zlibStreamChunks compresses each of msgs into one continuous zlib stream,
// flushing after each message, and returns the raw bytes written to the
// underlying writer between each flush — i.e. what a Discord gateway
// connection would deliver as successive binary WebSocket frames.
func zlibStreamChunks(t *testing.T, msgs ...string) [][]byte {
	t.Helper()

	var out bytes.Buffer
	zw := zlib.NewWriter(&out)

	var chunks [][]byte
	last := 0
	for _, m := range msgs {
		if _, err := zw.Write([]byte(m)); err != nil {
			t.Fatal(err)
		}
		if err := zw.Flush(); err != nil {
			t.Fatal(err)
		}
		chunk := make([]byte, out.Len()-last)
		copy(chunk, out.Bytes()[last:])
		chunks = append(chunks, chunk)
		last = out.Len()
	}
	return chunks
}

func TestGatewayFramer_SingleChunkMessage(t *testing.T) {
	chunks := zlibStreamChunks(t, `{"op":10,"d":{"heartbeat_interval":41250}}`)

	f := newGatewayFramer()
	defer f.Close()

	msg, err := f.push(chunks[0])
	if err != nil {
		t.Fatal(err)
	}
	var payload gatewayPayload
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Op != gatewayOpcodeHello {
		t.Fatalf("expected Hello opcode, got %d", payload.Op)
	}
}

func TestGatewayFramer_MultipleMessagesSameStream(t *testing.T) {
	chunks := zlibStreamChunks(t,
		`{"op":10,"d":{"heartbeat_interval":41250}}`,
		`{"op":11,"d":null}`,
		`{"op":0,"s":1,"t":"READY","d":{}}`,
	)

	f := newGatewayFramer()
	defer f.Close()

	var ops []int
	for _, c := range chunks {
		msg, err := f.push(c)
		if err != nil {
			t.Fatalf("push failed after %d prior messages: %v", len(ops), err)
		}
		var payload gatewayPayload
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatal(err)
		}
		ops = append(ops, int(payload.Op))
	}

	want := []int{10, 11, 0}
	if len(ops) != len(want) {
		t.Fatalf("got %v ops, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op[%d] = %d, want %d", i, ops[i], want[i])
		}
	}
}

func TestGatewayFramer_PartialFrameAccumulates(t *testing.T) {
	chunks := zlibStreamChunks(t, `{"op":10,"d":{"heartbeat_interval":41250}}`)
	frame := chunks[0]

	f := newGatewayFramer()
	defer f.Close()

	half := len(frame) / 2
	msg, err := f.push(frame[:half])
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatal("expected no decoded message before the sync-flush suffix arrives")
	}

	msg, err = f.push(frame[half:])
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected a decoded message once the full frame is pushed")
	}
}

func TestGatewayFramer_CloseUnblocksPush(t *testing.T) {
	f := newGatewayFramer()
	f.Close()

	_, err := f.push([]byte{0x00, 0x00, 0xff, 0xff})
	if err == nil {
		t.Fatal("expected push on a closed framer to error")
	}
}
