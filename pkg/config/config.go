package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for every nia binary. A zero-effort
// config (no file, no env) runs the gateway in direct mode with the
// local state store, which is what development uses.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Auth      AuthConfig      `yaml:"auth"`
	Operator  OperatorConfig  `yaml:"operator"`
	Session   SessionConfig   `yaml:"session"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Spool     SpoolConfig     `yaml:"spool"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     bool            `yaml:"debug"`
}

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DefaultRoomURL string        `yaml:"default_room_url"`
	// LowercasePaths folds URL paths when canonicalizing room URLs.
	LowercasePaths bool `yaml:"lowercase_paths"`
}

// RedisConfig configures the shared state backend. When Addr is empty
// the process runs on the in-memory local store only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig configures the durable pubsub used for admin and
// pre-spawn message delivery. Optional; the file spool is the
// fallback.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig configures the gateway auth middleware. TokenHash is a
// bcrypt hash of the static bearer token; JWTSecret enables JWT
// verification instead. Both empty disables auth (dev mode).
type AuthConfig struct {
	TokenHash string `yaml:"token_hash"`
	JWTSecret string `yaml:"jwt_secret"`
}

// OperatorConfig tunes the launch-queue consumer and reconciler.
type OperatorConfig struct {
	// Direct runs sessions as in-process tasks instead of jobs.
	Direct bool `yaml:"direct"`
	// JobAPIURL is the container-job API for cold spawns.
	JobAPIURL string `yaml:"job_api_url"`
	// JobImage is the runner image cold jobs use.
	JobImage string `yaml:"job_image"`
	// JobTTL is how long finished jobs linger before cleanup.
	JobTTL time.Duration `yaml:"job_ttl"`
	// WarmConnectTimeout bounds the /start attempt per standby worker.
	WarmConnectTimeout time.Duration `yaml:"warm_connect_timeout"`
	// ReconcileInterval is the stale-lock sweep cadence.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// AutoRespawn relaunches a session after a zombie reap.
	AutoRespawn bool `yaml:"auto_respawn"`
}

// SessionConfig tunes per-session lifecycle timing.
type SessionConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveStale    time.Duration `yaml:"keepalive_stale"`
	ColdStartGrace    time.Duration `yaml:"cold_start_grace"`
	SpawnGrace        time.Duration `yaml:"spawn_grace"`
	PendingLockTTL    time.Duration `yaml:"pending_lock_ttl"`
	PendingLockStale  time.Duration `yaml:"pending_lock_stale"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
	WaitPollInterval  time.Duration `yaml:"wait_poll_interval"`
	WaitPollCap       time.Duration `yaml:"wait_poll_cap"`
	ShutdownDeadline  time.Duration `yaml:"shutdown_deadline"`
}

// PacingConfig tunes beat and wrap-up delivery gating.
type PacingConfig struct {
	BeatUserIdle        time.Duration `yaml:"beat_user_idle"`
	PostSpeakBuffer     time.Duration `yaml:"post_speak_buffer"`
	BeatMinSpeakGap     time.Duration `yaml:"beat_min_speak_gap"`
	BeatUserIdleTimeout time.Duration `yaml:"beat_user_idle_timeout"`
}

// MeshConfig points at the content API.
type MeshConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	DefaultTenant string        `yaml:"default_tenant"`
	DefaultUser   string        `yaml:"default_user"`
}

// SpoolConfig is the filesystem fallback for admin and pre-spawn
// messages.
type SpoolConfig struct {
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig configures OTLP trace export. Empty endpoint means
// tracing stays off.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Operator: OperatorConfig{
			Direct:             true,
			JobTTL:             5 * time.Minute,
			WarmConnectTimeout: 1 * time.Second,
			ReconcileInterval:  30 * time.Second,
		},
		Session: SessionConfig{
			KeepaliveInterval: 15 * time.Second,
			KeepaliveStale:    30 * time.Second,
			ColdStartGrace:    90 * time.Second,
			SpawnGrace:        45 * time.Second,
			PendingLockTTL:    60 * time.Second,
			PendingLockStale:  90 * time.Second,
			LockTTL:           24 * time.Hour,
			WaitPollInterval:  500 * time.Millisecond,
			WaitPollCap:       30 * time.Second,
			ShutdownDeadline:  5 * time.Second,
		},
		Pacing: PacingConfig{
			BeatUserIdle:        1 * time.Second,
			PostSpeakBuffer:     2 * time.Second,
			BeatMinSpeakGap:     15 * time.Second,
			BeatUserIdleTimeout: 15 * time.Second,
		},
		Mesh: MeshConfig{
			Timeout: 10 * time.Second,
		},
		Spool: SpoolConfig{
			Dir:          os.TempDir(),
			PollInterval: 1 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "nia",
			SampleRatio: 1.0,
		},
	}
}

// LoadFromFile reads a YAML config, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays well-known environment variables. Called by mains
// after file load so deployment env wins.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("NIA_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NIA_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NIA_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("NIA_MESH_URL"); v != "" {
		c.Mesh.BaseURL = v
	}
	if v := os.Getenv("NIA_MESH_API_KEY"); v != "" {
		c.Mesh.APIKey = v
	}
	if v := os.Getenv("NIA_SPOOL_DIR"); v != "" {
		c.Spool.Dir = v
	}
	if v := os.Getenv("NIA_JOB_API_URL"); v != "" {
		c.Operator.JobAPIURL = v
		c.Operator.Direct = false
	}
	if v := os.Getenv("NIA_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if os.Getenv("NIA_DEBUG") == "1" {
		c.Debug = true
	}
}
