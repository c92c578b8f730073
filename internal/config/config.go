// Package config loads the supervisord daemon's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the supervisord daemon.
type Config struct {
	// HostID is a persistent identifier for this daemon instance.
	HostID string `yaml:"host_id"`

	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Auth         AuthConfig         `yaml:"auth"`
	Provider     ProviderConfig     `yaml:"provider"`
	GitHubApp    GitHubAppConfig    `yaml:"github_app"`
	State        StateConfig        `yaml:"state"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Janitor      JanitorConfig      `yaml:"janitor"`
}

// ControlPlaneConfig configures the HTTP connection to the control plane.
type ControlPlaneConfig struct {
	// URL is the base control-plane URL (also read from CONTROL_PLANE_URL).
	URL string `yaml:"url"`

	// CallbackAllowlist is the set of URL prefixes build callbacks may
	// target; the SSRF guard rejects anything else.
	CallbackAllowlist []string `yaml:"callback_allowlist"`

	// RequestTimeout is loaded and saved with the config file; no outbound
	// HTTP client reads it (the build pipeline's clients use their own fixed
	// timeout).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuthConfig configures HMAC token minting/verification.
type AuthConfig struct {
	// SecretRef, if set, is a Secret Manager resource name (also read from
	// AUTH_SECRET_REF) used to resolve the shared secret when
	// MODAL_API_SECRET is unset.
	SecretRef string `yaml:"secret_ref"`

	// TokenValidity is loaded and saved with the config file; the auth
	// package does not read it and applies its own fixed acceptance window.
	TokenValidity time.Duration `yaml:"token_validity"`
}

// ProviderConfig configures the gRPC connection to the sandbox provider.
type ProviderConfig struct {
	// Address is the provider fleet-manager gRPC endpoint (host:port).
	Address string `yaml:"address"`

	Insecure bool   `yaml:"insecure"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// DefaultSandboxTimeout is loaded and saved with the config file; the
	// provider adapter does not read it and uses DefaultSandboxTimeoutSeconds.
	DefaultSandboxTimeout time.Duration `yaml:"default_sandbox_timeout"`

	// BuildSandboxTimeout is loaded and saved with the config file; the
	// provider adapter does not read it and uses BuildSandboxTimeoutSeconds.
	BuildSandboxTimeout time.Duration `yaml:"build_sandbox_timeout"`

	// ImageBaseDir is the directory the provider's image cache scans.
	ImageBaseDir string `yaml:"image_base_dir"`
}

// GitHubAppConfig configures installation-token minting for source control.
type GitHubAppConfig struct {
	AppID          string `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	InstallationID string `yaml:"installation_id"`
}

// StateConfig configures local state storage.
type StateConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path"`
}

// BridgeConfig holds bridge buffering and heartbeat settings. They are
// loaded and saved with the config file but not passed to the bridge, which
// uses DefaultMaxEventBufferSize and sends no heartbeats.
type BridgeConfig struct {
	MaxEventBufferSize int           `yaml:"max_event_buffer_size"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
}

// ReconcilerConfig configures the image-build reconciler cadence.
type ReconcilerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	CleanupAfter    time.Duration `yaml:"cleanup_after"`
	LsRemoteTimeout time.Duration `yaml:"ls_remote_timeout"`
}

// JanitorConfig configures TTL enforcement for session sandboxes.
type JanitorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".openinspect")

	return Config{
		ControlPlane: ControlPlaneConfig{
			RequestTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenValidity: 300 * time.Second,
		},
		Provider: ProviderConfig{
			Address:               "localhost:9191",
			Insecure:              true,
			DefaultSandboxTimeout: 600 * time.Second,
			BuildSandboxTimeout:   1800 * time.Second,
			ImageBaseDir:          filepath.Join(baseDir, "images"),
		},
		State: StateConfig{
			DBPath: filepath.Join(baseDir, "supervisord.db"),
		},
		Bridge: BridgeConfig{
			MaxEventBufferSize: 256,
			HeartbeatInterval:  30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Interval:        30 * time.Minute,
			StaleAfter:      2100 * time.Second,
			CleanupAfter:    86400 * time.Second,
			LsRemoteTimeout: 30 * time.Second,
		},
		Janitor: JanitorConfig{
			Interval:   1 * time.Minute,
			DefaultTTL: 24 * time.Hour,
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
