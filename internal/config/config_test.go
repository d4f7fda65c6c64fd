package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.MaxPlayers != 32 {
		t.Fatalf("max players = %d", cfg.Server.MaxPlayers)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `{"server": {"name": "custom", "max_players": 8}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Name != "custom" || cfg.Server.MaxPlayers != 8 {
		t.Fatalf("overlay lost: %+v", cfg.Server)
	}
	if cfg.Server.TickRate != 60 || cfg.Network.QueueSize != 512 {
		t.Fatal("defaults not kept for missing fields")
	}

	saved, _ := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	if !strings.Contains(string(saved), "tick_rate") {
		t.Fatal("re-saved config is missing default fields")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Token = "secret"
	result := Validate(cfg)
	if !result.IsValid() {
		t.Fatalf("default config invalid: %v", result.Errors)
	}
}

func TestValidateCatchesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.MaxPlayers = 0
	cfg.Server.MapWidth = 100
	cfg.Network.ListenAddress = "nonsense"
	cfg.MQTT.Enabled = true
	cfg.Journal.CleanupTime = "25h"

	result := Validate(cfg)
	fields := make(map[string]bool)
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	for _, want := range []string{"server.max_players", "server.map_width", "network.listen_address", "mqtt.broker_url", "journal.cleanup_time"} {
		if !fields[want] {
			t.Errorf("missing error for %s (got %v)", want, result.Errors)
		}
	}
}

func TestUpdateField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateField("server", "motd", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.UpdateField("rate_limit", "packets_per_sec", float64(50)); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Motd != "hello" || cfg.RateLimit.PacketsPerSec != 50 {
		t.Fatalf("update lost: %+v %+v", cfg.Server, cfg.RateLimit)
	}
	if v, err := cfg.Field("server", "motd"); err != nil || v != "hello" {
		t.Fatalf("Field = %v, %v", v, err)
	}
	if err := cfg.UpdateField("server", "no_such_key", 1); err == nil {
		t.Fatal("unknown key accepted")
	}
	if err := cfg.UpdateField("nope", "motd", 1); err == nil {
		t.Fatal("unknown section accepted")
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Token = "secret-token"
	cfg.MQTT.Password = "hunter2"
	out := cfg.Redacted()
	if out["api"].(APIConfig).Token == "secret-token" || out["mqtt"].(MQTTConfig).Password == "hunter2" {
		t.Fatal("secrets leaked")
	}
	if cfg.API.Token != "secret-token" {
		t.Fatal("redaction modified the config")
	}
}

func TestSetupWizard(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	answers := strings.Join([]string{
		"my server", // name
		"16",        // max players
		"",          // map file
		"",          // listen address
		"no",        // ping
		"yes",       // api
		"",          // api address
		"tok",       // token
		"no",        // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("wizard failed: %v\n%s", err, out.String())
	}
	if cfg.Server.Name != "my server" || cfg.Server.MaxPlayers != 16 || cfg.Network.PingEnabled || cfg.API.Token != "tok" {
		t.Fatalf("answers not applied: %+v %+v %+v", cfg.Server, cfg.Network, cfg.API)
	}
	if cfg.IsFirstRun() {
		t.Fatal("still first run after setup")
	}
}
