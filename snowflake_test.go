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
	"testing"
)

func TestSnowflake_UnmarshalFromQuotedString(t *testing.T) {
	var s Snowflake
	if err := json.Unmarshal([]byte(`"175928847299117063"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != 175928847299117063 {
		t.Fatalf("got %d", s)
	}
}

func TestSnowflake_UnmarshalFromBareNumber(t *testing.T) {
	var s Snowflake
	if err := json.Unmarshal([]byte(`175928847299117063`), &s); err != nil {
		t.Fatal(err)
	}
	if s != 175928847299117063 {
		t.Fatalf("got %d", s)
	}
}

func TestSnowflake_RoundTripViaStruct(t *testing.T) {
	type wrapper struct {
		ID Snowflake `json:"id"`
	}

	in := wrapper{ID: 123456789012345678}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID {
		t.Fatalf("got %d, want %d", out.ID, in.ID)
	}
}

func TestSnowflake_NullLeavesValueUntouched(t *testing.T) {
	var s Snowflake = 42
	if err := json.Unmarshal([]byte(`null`), &s); err != nil {
		t.Fatal(err)
	}
	if s != 42 {
		t.Fatalf("expected null to leave value untouched, got %d", s)
	}
}

func TestSnowflake_Timestamp(t *testing.T) {
	// A snowflake minted exactly at the Discord epoch has a zero timestamp
	// offset: its top 42 bits (after the 22-bit worker/process/sequence
	// suffix) are all zero.
	s := Snowflake(0)
	if got := s.Timestamp().UnixMilli(); got != discordEpoch {
		t.Fatalf("got %d, want %d", got, discordEpoch)
	}
}
