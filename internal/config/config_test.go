package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// validMinimalConfig returns a minimal valid configuration for testing.
func validMinimalConfig() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			Address: "https://m.example.com",
			Domain:  "example.com",
		},
		AppService: AppServiceConfig{
			ASToken: "as_token_abc",
			HSToken: "hs_token_xyz",
		},
		Database: DatabaseConfig{
			URI: "postgres://localhost/test",
		},
	}
}

func TestValidate_MinimalValid(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate minimal config: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// AppService defaults
	if cfg.AppService.Port != 29350 {
		t.Errorf("expected default port 29350, got %d", cfg.AppService.Port)
	}
	if cfg.AppService.ID != "crypto-engine" {
		t.Errorf("expected default ID 'crypto-engine', got %s", cfg.AppService.ID)
	}
	if cfg.AppService.Bot.Username != "cryptoenginebot" {
		t.Errorf("expected default bot username 'cryptoenginebot', got %s", cfg.AppService.Bot.Username)
	}

	// Database defaults
	if cfg.Database.Type != "postgres" {
		t.Errorf("expected default db type 'postgres', got %s", cfg.Database.Type)
	}
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("expected default max_open_conns 20, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns != 5 {
		t.Errorf("expected default max_idle_conns 5, got %d", cfg.Database.MaxIdleConns)
	}

	// Engine defaults
	if cfg.Engine.DeviceID != "CRYPTOENGINE" {
		t.Errorf("expected default device_id 'CRYPTOENGINE', got %s", cfg.Engine.DeviceID)
	}
	if cfg.Engine.RotationPeriodMS != 604800000 {
		t.Errorf("expected default rotation_period_ms 604800000, got %d", cfg.Engine.RotationPeriodMS)
	}
	if cfg.Engine.RotationPeriodMsgs != 100 {
		t.Errorf("expected default rotation_period_msgs 100, got %d", cfg.Engine.RotationPeriodMsgs)
	}
	if cfg.Engine.OTKClaimTimeoutMS != 2000 {
		t.Errorf("expected default otk_claim_timeout_ms 2000, got %d", cfg.Engine.OTKClaimTimeoutMS)
	}
	if cfg.Engine.OTKClaimTimeoutPreparedMS != 10000 {
		t.Errorf("expected default otk_claim_timeout_prepared_ms 10000, got %d", cfg.Engine.OTKClaimTimeoutPreparedMS)
	}
	if cfg.Engine.PendingQueueMaxPerSession != 128 {
		t.Errorf("expected default pending_queue_max_per_session 128, got %d", cfg.Engine.PendingQueueMaxPerSession)
	}
	if cfg.Engine.SeenIndexEvictionThreshold != 2048 {
		t.Errorf("expected default seen_index_eviction_threshold 2048, got %d", cfg.Engine.SeenIndexEvictionThreshold)
	}
	if cfg.Engine.OneTimeKeyTargetPool != 50 {
		t.Errorf("expected default one_time_key_target_pool 50, got %d", cfg.Engine.OneTimeKeyTargetPool)
	}

	// Logging defaults
	if cfg.Logging.MinLevel != "info" {
		t.Errorf("expected default min_level 'info', got %s", cfg.Logging.MinLevel)
	}

	// Metrics defaults
	if cfg.Metrics.Listen != "0.0.0.0:9110" {
		t.Errorf("expected default metrics listen '0.0.0.0:9110', got %s", cfg.Metrics.Listen)
	}
}

func TestValidate_CustomValuesNotOverwritten(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.Port = 12345
	cfg.AppService.ID = "custom_id"
	cfg.AppService.Bot.Username = "custom_bot"
	cfg.Database.Type = "sqlite"
	cfg.Database.MaxOpenConns = 50
	cfg.Engine.RotationPeriodMsgs = 50
	cfg.Engine.DestroyOnCorruptSession = true

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.AppService.Port != 12345 {
		t.Errorf("custom port overwritten: %d", cfg.AppService.Port)
	}
	if cfg.AppService.ID != "custom_id" {
		t.Errorf("custom ID overwritten: %s", cfg.AppService.ID)
	}
	if cfg.AppService.Bot.Username != "custom_bot" {
		t.Errorf("custom bot username overwritten: %s", cfg.AppService.Bot.Username)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("custom db type overwritten: %s", cfg.Database.Type)
	}
	if cfg.Database.MaxOpenConns != 50 {
		t.Errorf("custom max_open_conns overwritten: %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Engine.RotationPeriodMsgs != 50 {
		t.Errorf("custom rotation_period_msgs overwritten: %d", cfg.Engine.RotationPeriodMsgs)
	}
	if !cfg.Engine.DestroyOnCorruptSession {
		t.Errorf("custom destroy_on_corrupt_session overwritten")
	}
}

func TestValidate_MissingHomeserverAddress(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Homeserver.Address = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing homeserver address")
	}
	if !strings.Contains(err.Error(), "homeserver.address") {
		t.Errorf("error should mention homeserver.address: %v", err)
	}
}

func TestValidate_MissingHomeserverDomain(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Homeserver.Domain = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing homeserver domain")
	}
	if !strings.Contains(err.Error(), "homeserver.domain") {
		t.Errorf("error should mention homeserver.domain: %v", err)
	}
}

func TestValidate_MissingASToken(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.ASToken = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing as_token")
	}
	if !strings.Contains(err.Error(), "as_token") {
		t.Errorf("error should mention as_token: %v", err)
	}
}

func TestValidate_MissingHSToken(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.HSToken = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing hs_token")
	}
	if !strings.Contains(err.Error(), "hs_token") {
		t.Errorf("error should mention hs_token: %v", err)
	}
}

func TestValidate_MissingDatabaseURI(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Database.URI = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing database uri")
	}
	if !strings.Contains(err.Error(), "database.uri") {
		t.Errorf("error should mention database.uri: %v", err)
	}
}

func TestGenerateRegistration(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.AppService.Address = "http://localhost:29350"
	cfg.AppService.ID = "crypto-engine"
	cfg.AppService.Bot.Username = "cryptoenginebot"
	cfg.AppService.ASToken = "as_token_test"
	cfg.AppService.HSToken = "hs_token_test"
	cfg.AppService.EphemeralEvents = true
	cfg.Homeserver.Domain = "example.com"

	reg := cfg.GenerateRegistration()

	checks := []struct {
		name     string
		contains string
	}{
		{"id", "id: crypto-engine"},
		{"url", "url: http://localhost:29350"},
		{"as_token", "as_token: as_token_test"},
		{"hs_token", "hs_token: hs_token_test"},
		{"sender_localpart", "sender_localpart: cryptoenginebot"},
		{"user regex", "@crypto-engine_.+:example\\.com"},
		{"ephemeral", "push_ephemeral: true"},
	}

	for _, c := range checks {
		if !strings.Contains(reg, c.contains) {
			t.Errorf("registration missing %s: expected to contain %q", c.name, c.contains)
		}
	}
}

func TestGenerateRegistration_DomainEscaped(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Homeserver.Domain = "m.si46.world"
	cfg.AppService.Address = "http://localhost:29350"

	reg := cfg.GenerateRegistration()

	if !strings.Contains(reg, `m\.si46\.world`) {
		t.Error("domain dots should be escaped in regex")
	}
}

func TestRegexEscape(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com", `example\.com`},
		{"nodots", "nodots"},
		{"a.b.c", `a\.b\.c`},
		{"", ""},
	}

	for _, tc := range tests {
		result := regexEscape(tc.input)
		if result != tc.expected {
			t.Errorf("regexEscape(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("{{invalid yaml"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	os.WriteFile(path, []byte("{}"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
homeserver:
  address: https://m.example.com
  domain: example.com
appservice:
  as_token: "test_as_token"
  hs_token: "test_hs_token"
database:
  uri: "postgres://localhost/test"
engine:
  rotation_period_msgs: 200
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load valid config: %v", err)
	}

	if cfg.Homeserver.Address != "https://m.example.com" {
		t.Errorf("homeserver address: %s", cfg.Homeserver.Address)
	}
	if cfg.Engine.RotationPeriodMsgs != 200 {
		t.Errorf("engine.rotation_period_msgs: %d", cfg.Engine.RotationPeriodMsgs)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_HS_ADDR", "https://matrix.example.com")
	t.Setenv("TEST_AS_TOKEN", "env_as_token")
	t.Setenv("TEST_HS_TOKEN", "env_hs_token")
	t.Setenv("TEST_DB_URI", "postgres://localhost/testdb")

	content := `
homeserver:
  address: $TEST_HS_ADDR
  domain: example.com
appservice:
  as_token: $TEST_AS_TOKEN
  hs_token: $TEST_HS_TOKEN
database:
  uri: $TEST_DB_URI
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config with env vars: %v", err)
	}

	if cfg.Homeserver.Address != "https://matrix.example.com" {
		t.Errorf("env var not expanded for homeserver.address: %s", cfg.Homeserver.Address)
	}
	if cfg.AppService.ASToken != "env_as_token" {
		t.Errorf("env var not expanded for as_token: %s", cfg.AppService.ASToken)
	}
	if cfg.Database.URI != "postgres://localhost/testdb" {
		t.Errorf("env var not expanded for db uri: %s", cfg.Database.URI)
	}
}
