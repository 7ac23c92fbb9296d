// Package config loads attemptrun configuration from a YAML file and
// ATTEMPTRUN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. It is read once at startup and
// never mutated while an attempt runs.
type Config struct {
	Engine       EngineConfig       `yaml:"engine"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Cancellation CancellationConfig `yaml:"cancellation"`

	// Remote selects the remote backend when present.
	Remote *RemoteExecution `yaml:"remote,omitempty"`

	Local  LocalConfig  `yaml:"local"`
	Store  StoreConfig  `yaml:"store"`
	Logs   *LogsConfig  `yaml:"logs,omitempty"`
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
}

// EngineConfig describes how to reach the orchestration engine.
type EngineConfig struct {
	URL                string        `yaml:"url"`
	Token              string        `yaml:"token,omitempty"`
	OAuth2             *OAuth2Config `yaml:"oauth2,omitempty"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
}

// OAuth2Config enables the client-credentials flow against the engine.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// HeartbeatConfig controls liveness signalling.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// CancellationConfig controls how long a cancelled attempt waits for the
// backend to acknowledge termination.
type CancellationConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// RemoteExecution holds the connection details the remote backend needs to
// reach its container orchestration layer.
type RemoteExecution struct {
	OrchestratorImage string        `yaml:"orchestrator_image"`
	DockerHost        string        `yaml:"docker_host,omitempty"`
	Network           string        `yaml:"network,omitempty"`
	ServerPort        int           `yaml:"server_port"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout"`
}

// LocalConfig configures the local backend's process factory.
type LocalConfig struct {
	// Runtime is "docker" (run the transformation image) or "none"
	// (run the transformation arguments as a host command).
	Runtime       string `yaml:"runtime"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

// StoreConfig selects the attempt/secret database.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// LogsConfig enables shipping attempt output to S3-compatible storage.
type LogsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl"`

	// UploadTimeout bounds the upload of one attempt's output. Zero uses
	// the executor default.
	UploadTimeout time.Duration `yaml:"upload_timeout,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the development orchestration engine.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token,omitempty"` // Bearer token required on API calls; empty disables auth
}

// Runtimes accepted by LocalConfig.Runtime.
const (
	RuntimeNone   = "none"
	RuntimeDocker = "docker"
)

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			URL:                "http://localhost:8080",
			RequestTimeout:     10 * time.Second,
			CancelPollInterval: 5 * time.Second,
		},
		Heartbeat:    HeartbeatConfig{Interval: 10 * time.Second},
		Cancellation: CancellationConfig{GracePeriod: 30 * time.Second},
		Local: LocalConfig{
			Runtime:       RuntimeDocker,
			WorkspaceRoot: os.TempDir(),
		},
		Store:  StoreConfig{Driver: "sqlite", DSN: "attemptrun.db"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// DefaultRemote returns a RemoteExecution with defaults applied.
func DefaultRemote() *RemoteExecution {
	return &RemoteExecution{
		ServerPort:    9000,
		CancelTimeout: time.Minute,
	}
}

// Load reads the YAML file at path (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.fillRemoteDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from ATTEMPTRUN_* variables found through lookup.
// Setting ATTEMPTRUN_REMOTE_IMAGE enables the remote backend.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("ATTEMPTRUN_ENGINE_URL", &cfg.Engine.URL)
	str("ATTEMPTRUN_ENGINE_TOKEN", &cfg.Engine.Token)
	str("ATTEMPTRUN_LOCAL_RUNTIME", &cfg.Local.Runtime)
	str("ATTEMPTRUN_WORKSPACE_ROOT", &cfg.Local.WorkspaceRoot)
	str("ATTEMPTRUN_STORE_DRIVER", &cfg.Store.Driver)
	str("ATTEMPTRUN_STORE_DSN", &cfg.Store.DSN)
	str("ATTEMPTRUN_LOG_LEVEL", &cfg.Log.Level)
	str("ATTEMPTRUN_LOG_FORMAT", &cfg.Log.Format)
	str("ATTEMPTRUN_SERVER_ADDR", &cfg.Server.Addr)
	str("ATTEMPTRUN_SERVER_TOKEN", &cfg.Server.Token)

	if err := dur("ATTEMPTRUN_HEARTBEAT_INTERVAL", &cfg.Heartbeat.Interval); err != nil {
		return err
	}
	if err := dur("ATTEMPTRUN_CANCEL_GRACE_PERIOD", &cfg.Cancellation.GracePeriod); err != nil {
		return err
	}
	if err := dur("ATTEMPTRUN_CANCEL_POLL_INTERVAL", &cfg.Engine.CancelPollInterval); err != nil {
		return err
	}

	if img, ok := lookup("ATTEMPTRUN_REMOTE_IMAGE"); ok && img != "" {
		if cfg.Remote == nil {
			cfg.Remote = DefaultRemote()
		}
		cfg.Remote.OrchestratorImage = img
		str("ATTEMPTRUN_REMOTE_DOCKER_HOST", &cfg.Remote.DockerHost)
		if v, ok := lookup("ATTEMPTRUN_REMOTE_SERVER_PORT"); ok && v != "" {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid ATTEMPTRUN_REMOTE_SERVER_PORT: %w", err)
			}
			cfg.Remote.ServerPort = port
		}
		if err := dur("ATTEMPTRUN_REMOTE_CANCEL_TIMEOUT", &cfg.Remote.CancelTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) fillRemoteDefaults() {
	if c.Remote == nil {
		return
	}
	def := DefaultRemote()
	if c.Remote.ServerPort == 0 {
		c.Remote.ServerPort = def.ServerPort
	}
	if c.Remote.CancelTimeout == 0 {
		c.Remote.CancelTimeout = def.CancelTimeout
	}
}

// Validate rejects configurations that cannot run an attempt.
func (c Config) Validate() error {
	var issues []string
	if c.Engine.URL == "" {
		issues = append(issues, "engine.url is required")
	}
	if c.Engine.RequestTimeout < 0 || c.Engine.CancelPollInterval < 0 {
		issues = append(issues, "engine timeouts must not be negative")
	}
	if c.Heartbeat.Interval <= 0 {
		issues = append(issues, "heartbeat.interval must be positive")
	}
	if c.Cancellation.GracePeriod < 0 {
		issues = append(issues, "cancellation.grace_period must not be negative")
	}
	switch c.Local.Runtime {
	case RuntimeNone, RuntimeDocker:
	default:
		issues = append(issues, fmt.Sprintf("local.runtime %q is not one of none, docker", c.Local.Runtime))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		issues = append(issues, fmt.Sprintf("store.driver %q is not one of sqlite, postgres", c.Store.Driver))
	}
	if r := c.Remote; r != nil {
		if r.OrchestratorImage == "" {
			issues = append(issues, "remote.orchestrator_image is required when remote is set")
		}
		if r.ServerPort < 0 || r.ServerPort > 65535 {
			issues = append(issues, "remote.server_port is out of range")
		}
		if r.CancelTimeout < 0 {
			issues = append(issues, "remote.cancel_timeout must not be negative")
		}
	}
	if l := c.Logs; l != nil {
		if l.Endpoint == "" || l.Bucket == "" {
			issues = append(issues, "logs.endpoint and logs.bucket are required when logs is set")
		}
		if l.UploadTimeout < 0 {
			issues = append(issues, "logs.upload_timeout must not be negative")
		}
	}
	if o := c.Engine.OAuth2; o != nil && (o.TokenURL == "" || o.ClientID == "") {
		issues = append(issues, "engine.oauth2 requires token_url and client_id")
	}
	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
