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
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_ValidateRejectsMissingToken(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing bot token")
	}
}

func TestConfig_ValidateRejectsShortToken(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{BotToken: "short"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a malformed-looking token")
	}
}

func TestConfig_ValidateAcceptsWellFormedToken(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{BotToken: "ThisIsAFakeDiscordBotTokenThatIsLongEnoughToPassValidation"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfig_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("DGCORE_TEST_TOKEN", "ThisIsAFakeDiscordBotTokenThatIsLongEnoughToPass")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "gateway:\n  bot_token: \"${DGCORE_TEST_TOKEN}\"\n  compress: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.BotToken != "ThisIsAFakeDiscordBotTokenThatIsLongEnoughToPass" {
		t.Fatalf("expected env var to be expanded, got %q", cfg.Gateway.BotToken)
	}
	if cfg.Client.Timeout == 0 {
		t.Fatal("expected default timeout to be applied")
	}
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
