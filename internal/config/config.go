package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultOutputDir       = "output"
	DefaultContactsTimeout = 30 * time.Second
	DefaultMinPhoneSuffix  = 8
)

// Config represents the msgarchive configuration
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Contacts ContactsConfig `yaml:"contacts"`
	Resolver ResolverConfig `yaml:"resolver"`
	Render   RenderConfig   `yaml:"render"`
	Log      LogConfig      `yaml:"log"`
}

// SourceConfig points at the message store.
type SourceConfig struct {
	ChatDB string `yaml:"chat_db,omitempty"`
	// HomeDir is used to expand "~/" attachment paths; defaults to the user's home.
	HomeDir string `yaml:"home_dir,omitempty"`
}

// ContactsConfig selects the external contact provider.
type ContactsConfig struct {
	Command string        `yaml:"command,omitempty"`
	Args    []string      `yaml:"args,omitempty"`
	File    string        `yaml:"file,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type ResolverConfig struct {
	MinPhoneSuffix int `yaml:"min_phone_suffix,omitempty"`
}

// RenderConfig controls archive output.
type RenderConfig struct {
	OutputDir       string `yaml:"output_dir,omitempty"`
	Workers         int    `yaml:"workers,omitempty"`
	Timezone        string `yaml:"timezone,omitempty"`
	CopyAttachments *bool  `yaml:"copy_attachments,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Source.ChatDB == "" {
		c.Source.ChatDB = DefaultChatDBPath()
	}
	if c.Contacts.Timeout <= 0 {
		c.Contacts.Timeout = DefaultContactsTimeout
	}
	if c.Resolver.MinPhoneSuffix <= 0 {
		c.Resolver.MinPhoneSuffix = DefaultMinPhoneSuffix
	}
	if c.Render.OutputDir == "" {
		c.Render.OutputDir = DefaultOutputDir
	}
	if c.Render.Workers <= 0 {
		c.Render.Workers = runtime.NumCPU()
	}
	if c.Render.CopyAttachments == nil {
		copyAttachments := true
		c.Render.CopyAttachments = &copyAttachments
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// ShouldCopyAttachments reports whether attachment files are copied into the archive.
func (c *Config) ShouldCopyAttachments() bool {
	return c.Render.CopyAttachments == nil || *c.Render.CopyAttachments
}

// Location returns the timezone used for rendered timestamps.
func (c *Config) Location() (*time.Location, error) {
	if c.Render.Timezone == "" || c.Render.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Render.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid render.timezone %q: %w", c.Render.Timezone, err)
	}
	return loc, nil
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if c.Resolver.MinPhoneSuffix < 1 {
		return fmt.Errorf("resolver.min_phone_suffix must be positive, got %d", c.Resolver.MinPhoneSuffix)
	}
	if c.Render.Workers < 1 {
		return fmt.Errorf("render.workers must be positive, got %d", c.Render.Workers)
	}
	if c.Contacts.Command != "" && c.Contacts.File != "" {
		return fmt.Errorf("contacts.command and contacts.file are mutually exclusive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// DefaultChatDBPath returns the standard Messages database location.
func DefaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("Library", "Messages", "chat.db")
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("MSGARCHIVE_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "msgarchive"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("MSGARCHIVE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "msgarchive"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "msgarchive"), nil
	}

	return filepath.Join(home, ".local", "share", "msgarchive"), nil
}

// Load loads config from the config file, then applies .env and environment overrides.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	cfg, err := LoadFile(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile parses a single config file. A missing file yields an empty config.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MSGARCHIVE_CHAT_DB"); v != "" {
		c.Source.ChatDB = os.ExpandEnv(v)
	}
	if v := os.Getenv("MSGARCHIVE_OUTPUT_DIR"); v != "" {
		c.Render.OutputDir = v
	}
	if v := os.Getenv("MSGARCHIVE_CONTACTS_CMD"); v != "" {
		c.Contacts.Command = v
	}
	if v := os.Getenv("MSGARCHIVE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MSGARCHIVE_WORKERS %q: %w", v, err)
		}
		c.Render.Workers = n
	}
	return nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
