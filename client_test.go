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

import "testing"

func TestInteractionFollowupPath_ErrorsWithoutApplicationID(t *testing.T) {
	c := &Client{cfg: &Config{}}
	if _, err := c.InteractionFollowupPath("tok"); err == nil {
		t.Fatal("expected a ConfigurationError when application_id is unset")
	}
}

func TestInteractionFollowupPath_BuildsPathWhenSet(t *testing.T) {
	c := &Client{cfg: &Config{Gateway: GatewayConfig{ApplicationID: "123"}}}
	path, err := c.InteractionFollowupPath("tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/webhooks/123/tok" {
		t.Fatalf("got %q", path)
	}
}
