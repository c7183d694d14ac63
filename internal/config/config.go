package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the crypto engine.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// HomeserverConfig contains Matrix homeserver connection settings.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig contains application service settings.
type AppServiceConfig struct {
	Address         string    `yaml:"address"`
	Hostname        string    `yaml:"hostname"`
	Port            int       `yaml:"port"`
	ID              string    `yaml:"id"`
	Bot             BotConfig `yaml:"bot"`
	ASToken         string    `yaml:"as_token"`
	HSToken         string    `yaml:"hs_token"`
	EphemeralEvents bool      `yaml:"ephemeral_events"`
	// SyncWebsocket switches transaction ingestion from the AS HTTP
	// endpoint to an outbound websocket connection to the homeserver,
	// for deployments where the homeserver cannot reach the engine.
	SyncWebsocket bool `yaml:"sync_websocket"`
}

// BotConfig contains the engine's own bot user settings.
type BotConfig struct {
	Username    string `yaml:"username"`
	Displayname string `yaml:"displayname"`
	Avatar      string `yaml:"avatar"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Type         string `yaml:"type"`
	URI          string `yaml:"uri"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// EngineConfig holds the tunables the crypto pipeline's components are
// built from: session rotation policy, one-time-key claim timeouts, and
// the bounded in-memory structures (pending queue, replay window, OTK
// pool) each component caps itself at.
type EngineConfig struct {
	// DeviceID is the engine's own Matrix device id, keying its
	// persisted Olm account and session blobs.
	DeviceID string `yaml:"device_id"`
	// RotationPeriodMS bounds how long an outbound Megolm session may be
	// reused before the next encrypt rotates it.
	RotationPeriodMS int64 `yaml:"rotation_period_ms"`
	// RotationPeriodMsgs bounds how many messages an outbound Megolm
	// session may encrypt before the next encrypt rotates it.
	RotationPeriodMsgs uint32 `yaml:"rotation_period_msgs"`
	// OTKClaimTimeoutMS is the claim-one-time-keys RPC timeout for an
	// unprepared share (no warm claim in flight).
	OTKClaimTimeoutMS int `yaml:"otk_claim_timeout_ms"`
	// OTKClaimTimeoutPreparedMS is the longer timeout used when the
	// caller already warmed the claim via Prepare.
	OTKClaimTimeoutPreparedMS int `yaml:"otk_claim_timeout_prepared_ms"`
	// PendingQueueMaxPerSession caps how many undecryptable events are
	// held per (sender_key, session_id) waiting for their Megolm key.
	PendingQueueMaxPerSession int `yaml:"pending_queue_max_per_session"`
	// SeenIndexEvictionThreshold caps how many replay-detection entries
	// an inbound Megolm session accumulates before the oldest are
	// dropped.
	SeenIndexEvictionThreshold int `yaml:"seen_index_eviction_threshold"`
	// OneTimeKeyTargetPool is the number of unclaimed one-time keys a
	// device tries to keep published.
	OneTimeKeyTargetPool int `yaml:"one_time_key_target_pool"`
	// DestroyOnCorruptSession controls the unwedging behavior: when a
	// prekey Olm message matches an existing session by one-time-key id
	// but fails to decrypt, discard that session so the next prekey
	// message starts fresh instead of repeatedly hitting the same break.
	DestroyOnCorruptSession bool `yaml:"destroy_on_corrupt_session"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	MinLevel string         `yaml:"min_level"`
	Writers  []LoggerWriter `yaml:"writers"`
}

// LoggerWriter describes a single log output target.
type LoggerWriter struct {
	Type       string `yaml:"type"`
	Format     string `yaml:"format"`
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.Port == 0 {
		c.AppService.Port = 29350
	}
	if c.AppService.ID == "" {
		c.AppService.ID = "crypto-engine"
	}
	if c.AppService.Bot.Username == "" {
		c.AppService.Bot.Username = "cryptoenginebot"
	}
	if c.AppService.ASToken == "" {
		return fmt.Errorf("appservice.as_token is required")
	}
	if c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.hs_token is required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	// Engine defaults, per the rotation/claim/queue bounds the design
	// names explicitly rather than leaving to the zero value.
	if c.Engine.DeviceID == "" {
		c.Engine.DeviceID = "CRYPTOENGINE"
	}
	if c.Engine.RotationPeriodMS == 0 {
		c.Engine.RotationPeriodMS = 604800000 // 7 days
	}
	if c.Engine.RotationPeriodMsgs == 0 {
		c.Engine.RotationPeriodMsgs = 100
	}
	if c.Engine.OTKClaimTimeoutMS == 0 {
		c.Engine.OTKClaimTimeoutMS = 2000
	}
	if c.Engine.OTKClaimTimeoutPreparedMS == 0 {
		c.Engine.OTKClaimTimeoutPreparedMS = 10000
	}
	if c.Engine.PendingQueueMaxPerSession == 0 {
		c.Engine.PendingQueueMaxPerSession = 128
	}
	if c.Engine.SeenIndexEvictionThreshold == 0 {
		c.Engine.SeenIndexEvictionThreshold = 2048
	}
	if c.Engine.OneTimeKeyTargetPool == 0 {
		c.Engine.OneTimeKeyTargetPool = 50
	}

	// Logging defaults
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = "info"
	}

	// Metrics defaults
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "0.0.0.0:9110"
	}

	return nil
}

// GenerateRegistration creates a Matrix appservice registration YAML.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: %s
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s_.+:%s'
  aliases: []
  rooms: []
rate_limited: false
de.sorunome.msc2409.push_ephemeral: %t
push_ephemeral: %t
`,
		c.AppService.ID,
		c.AppService.Address,
		c.AppService.ASToken,
		c.AppService.HSToken,
		c.AppService.Bot.Username,
		c.AppService.ID,
		regexEscape(c.Homeserver.Domain),
		c.AppService.EphemeralEvents,
		c.AppService.EphemeralEvents,
	)
}

func regexEscape(s string) string {
	return regexp.QuoteMeta(s)
}
