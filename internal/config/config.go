// Package config provides TOML configuration file loading for the pairroom host.
// The configuration file lives at ~/.pairroom/config.toml by default, but can be
// overridden with the --config flag. Secrets may also come from the environment
// (optionally through a .env file). CLI flags always take precedence over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files.
type Config struct {
	// Addr is the host:port for the HTTP and WebSocket server.
	// Default: 127.0.0.1:7070
	Addr string `toml:"addr"`

	// Database is the path to the SQLite store holding users, projects and
	// revoked tokens. Default: ~/.pairroom/pairroom.db
	Database string `toml:"database"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFile, when set, receives JSON logs instead of the console.
	LogFile string `toml:"log_file"`

	// JWTSecret signs and verifies participant tokens (HS256).
	// Overridden by PAIRROOM_JWT_SECRET or JWT_SECRET.
	JWTSecret string `toml:"jwt_secret"`

	// TokenTTLHours is the lifetime of tokens issued at login. Default: 24
	TokenTTLHours int `toml:"token_ttl_hours"`

	// MdnsEnabled advertises the host on the local network.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// PublicURL is the base URL shared in invite links. Defaults to http://<addr>.
	PublicURL string `toml:"public_url"`

	AI      AIConfig      `toml:"ai"`
	Sandbox SandboxConfig `toml:"sandbox"`
}

// AIConfig configures the assistant participant.
type AIConfig struct {
	// Marker addresses the assistant inside a message body. Default: @ai
	Marker string `toml:"marker"`

	// Provider selects the generation backend: "gemini" or "echo".
	Provider string `toml:"provider"`

	// Model is the backend model name. Default: gemini-2.0-flash
	Model string `toml:"model"`

	// APIKey for the backend. Overridden by GEMINI_API_KEY or GOOGLE_AI_KEY.
	APIKey string `toml:"api_key"`

	// SystemInstruction is prepended to every prompt by the backend.
	SystemInstruction string `toml:"system_instruction"`

	// TimeoutSeconds bounds a single generation call. Default: 60
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// SandboxConfig configures the execution environments used for previews.
type SandboxConfig struct {
	// Workdir is where per-run directories are created. Default: os.TempDir()
	Workdir string `toml:"workdir"`

	// PreviewHost is the host name placed in preview URLs. Default: localhost
	PreviewHost string `toml:"preview_host"`

	// ReadyTimeoutSeconds bounds the wait for the start command's port. Default: 120
	ReadyTimeoutSeconds int `toml:"ready_timeout_seconds"`

	// OutputLines is the number of output lines kept per session. Default: 2000
	OutputLines int `toml:"output_lines"`

	// Runtimes maps a manifest file to its install and start commands.
	// Checked in order; the first manifest present in the tree wins.
	Runtimes []RuntimeConfig `toml:"runtimes"`
}

// RuntimeConfig is one manifest entry of the sandbox runtime table.
type RuntimeConfig struct {
	Manifest string `toml:"manifest"`
	Install  string `toml:"install"`
	Start    string `toml:"start"`
}

// AITimeout returns the generation timeout as a duration.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSeconds) * time.Second
}

// ReadyTimeout returns the sandbox readiness timeout as a duration.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Sandbox.ReadyTimeoutSeconds) * time.Second
}

// TokenTTL returns the lifetime of issued tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

// DefaultConfigPath returns the default config file location: ~/.pairroom/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pairroom", "config.toml"), nil
}

// DefaultDatabasePath returns ~/.pairroom/pairroom.db.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pairroom", "pairroom.db"), nil
}

// WriteDefault creates a commented config file at path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# pairroom configuration

addr = %q
log_level = "info"

# Prefer PAIRROOM_JWT_SECRET in the environment over a secret on disk.
# jwt_secret = ""
token_ttl_hours = %d

mdns_enabled = false

[ai]
marker = %q
provider = "gemini"
model = %q
timeout_seconds = %d

[sandbox]
preview_host = %q
ready_timeout_seconds = %d
output_lines = %d

[[sandbox.runtimes]]
manifest = "package.json"
install = "npm install"
start = "npm start"
`, DefaultAddr, DefaultTokenTTLHours, DefaultAIMarker, DefaultAIModel, DefaultAITimeoutSeconds,
		DefaultPreviewHost, DefaultReadyTimeoutSeconds, DefaultOutputLines)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path, applies environment
// overrides and fills defaults.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     A missing default file is not an error.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is ignored; existing variables are never overwritten.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays secrets and a few operational settings from the environment.
func (c *Config) ApplyEnv() error {
	if v := firstEnv("PAIRROOM_JWT_SECRET", "JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := firstEnv("GEMINI_API_KEY", "GOOGLE_AI_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("PAIRROOM_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PAIRROOM_DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("PAIRROOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PAIRROOM_AI_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PAIRROOM_AI_TIMEOUT_SECONDS: %w", err)
		}
		c.AI.TimeoutSeconds = n
	}
	return nil
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Database == "" {
		if p, err := DefaultDatabasePath(); err == nil {
			c.Database = p
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.TokenTTLHours <= 0 {
		c.TokenTTLHours = DefaultTokenTTLHours
	}
	if c.AI.Marker == "" {
		c.AI.Marker = DefaultAIMarker
	}
	if c.AI.Provider == "" {
		c.AI.Provider = DefaultAIProvider
	}
	if c.AI.Model == "" {
		c.AI.Model = DefaultAIModel
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = DefaultAITimeoutSeconds
	}
	if c.Sandbox.PreviewHost == "" {
		c.Sandbox.PreviewHost = DefaultPreviewHost
	}
	if c.Sandbox.ReadyTimeoutSeconds <= 0 {
		c.Sandbox.ReadyTimeoutSeconds = DefaultReadyTimeoutSeconds
	}
	if c.Sandbox.OutputLines <= 0 {
		c.Sandbox.OutputLines = DefaultOutputLines
	}
	if len(c.Sandbox.Runtimes) == 0 {
		c.Sandbox.Runtimes = DefaultRuntimes()
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
