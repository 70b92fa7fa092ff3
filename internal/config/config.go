package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MAILSYNC_LOG_LEVEL
const EnvPrefix = "MAILSYNC"

// Config holds the application configuration
type Config struct {
	Cache    CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	RPC      RPCConfig       `mapstructure:"rpc" yaml:"rpc"`
	Listener ListenerConfig  `mapstructure:"listener" yaml:"listener"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// CacheConfig locates the local cache database
type CacheConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// SyncConfig tunes the sync engine
type SyncConfig struct {
	Workers       int  `mapstructure:"workers" yaml:"workers"`
	MessageLimit  int  `mapstructure:"message_limit" yaml:"message_limit"`
	SanitizeHTML  bool `mapstructure:"sanitize_html" yaml:"sanitize_html"`
	BodyCacheSize int  `mapstructure:"body_cache_size" yaml:"body_cache_size"`
}

// ApplicationConfig identifies the client to the server at login
type ApplicationConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Vendor  string `mapstructure:"vendor" yaml:"vendor"`
	Version string `mapstructure:"version" yaml:"version"`
}

// RPCConfig holds transport settings
type RPCConfig struct {
	Timeout          time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	SignatureTimeout time.Duration     `mapstructure:"signature_timeout" yaml:"signature_timeout"`
	Application      ApplicationConfig `mapstructure:"application" yaml:"application"`
}

// ListenerConfig tunes the change long-poll
type ListenerConfig struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	RetryBase   time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
}

// AccountConfig holds configuration for a single mail account. The password
// may be left out and looked up in the keyring under PasswordKey.
type AccountConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Email       string `mapstructure:"email" yaml:"email,omitempty"`
	Server      string `mapstructure:"server" yaml:"server"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
	PasswordKey string `mapstructure:"password_key" yaml:"password_key,omitempty"`
	IsDefault   bool   `mapstructure:"is_default" yaml:"is_default"`
}

// DefaultPath returns ~/.config/mailsync/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cache.db"
	}
	return filepath.Join(home, ".local", "share", "mailsync", "cache.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.path", defaultCachePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.message_limit", -1)
	v.SetDefault("sync.sanitize_html", false)
	v.SetDefault("sync.body_cache_size", 64)
	v.SetDefault("rpc.timeout", 30*time.Second)
	v.SetDefault("rpc.signature_timeout", 10*time.Second)
	v.SetDefault("rpc.application.name", "mailsync")
	v.SetDefault("rpc.application.vendor", "mailsync")
	v.SetDefault("rpc.application.version", "1.0")
	v.SetDefault("listener.poll_timeout", 30*time.Second)
	v.SetDefault("listener.retry_base", time.Second)
	v.SetDefault("listener.retry_max", time.Second)
}

// Load reads the YAML file at path, if any, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path, creating parent directories
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("cache", c.Cache)
	v.Set("log", c.Log)
	v.Set("sync", c.Sync)
	v.Set("rpc", c.RPC)
	v.Set("listener", c.Listener)
	v.Set("accounts", c.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return nil
}

// LogLevel returns the configured level, falling back to info
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// GetDefaultAccount returns the account marked default, else the first one
func (c *Config) GetDefaultAccount() *AccountConfig {
	if len(c.Accounts) == 0 {
		return nil
	}
	for i := range c.Accounts {
		if c.Accounts[i].IsDefault {
			return &c.Accounts[i]
		}
	}
	return &c.Accounts[0]
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.Sync.Workers < 1 || c.Sync.Workers > 64 {
		return fmt.Errorf("sync.workers must be between 1 and 64")
	}
	if c.Sync.BodyCacheSize < 1 {
		return fmt.Errorf("sync.body_cache_size must be positive")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc.timeout must be positive")
	}
	if c.Listener.RetryBase <= 0 || c.Listener.RetryMax < c.Listener.RetryBase {
		return fmt.Errorf("listener.retry_max must be at least listener.retry_base")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Name == "" {
			return fmt.Errorf("account %d: name is required", i+1)
		}
		if seen[acc.Name] {
			return fmt.Errorf("account %s: duplicate name", acc.Name)
		}
		seen[acc.Name] = true

		if acc.Server == "" {
			return fmt.Errorf("account %s: server is required", acc.Name)
		}
		if strings.Contains(acc.Server, "/") {
			return fmt.Errorf("account %s: server must be a host name, not a URL", acc.Name)
		}
		if acc.Username == "" {
			return fmt.Errorf("account %s: username is required", acc.Name)
		}
		if acc.Password == "" && acc.PasswordKey == "" {
			return fmt.Errorf("account %s: password or password_key is required", acc.Name)
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
