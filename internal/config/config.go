package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port int `yaml:"port"`
	// Origin of the web application whose requests are intercepted, e.g. http://localhost:8000
	Origin          string      `yaml:"origin"`
	UpstreamTimeout string      `yaml:"upstream_timeout"`
	Bypass          []string    `yaml:"bypass"` // path prefixes never handled by the agent
	HTTPS           HTTPSConfig `yaml:"https"`
}

// HTTPSConfig contains TLS interception configuration
type HTTPSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CACertFile      string `yaml:"ca_cert_file"`
	CAKeyFile       string `yaml:"ca_key_file"`
	TransparentAddr string `yaml:"transparent_addr"`
}

// CacheConfig contains the offline cache configuration
type CacheConfig struct {
	Name               string   `yaml:"name"`  // current cache identifier
	Files              []string `yaml:"files"` // asset paths pre-cached at install
	Backend            string   `yaml:"backend"`
	Folder             string   `yaml:"folder"`
	InstallConcurrency int      `yaml:"install_concurrency"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Defaults returns the configuration used for every key missing from the file
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			UpstreamTimeout: "30s",
		},
		Cache: CacheConfig{
			Backend:            "leveldb",
			Folder:             "./data/cache",
			InstallConcurrency: 4,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// Load loads configuration from a YAML file on top of Defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	logrus.Debugf("Loaded config from %s", path)
	return &config, nil
}

// GetUpstreamTimeout parses and returns the upstream request timeout
func (c *Config) GetUpstreamTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Server.UpstreamTimeout)
}

// GetOrigin parses and returns the intercepted origin
func (c *Config) GetOrigin() (*url.URL, error) {
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin host is required")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("origin must not have a path, got: %s", u.Path)
	}
	u.Path = ""
	return u, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.Origin == "" {
		return fmt.Errorf("server origin is required")
	}

	if _, err := c.GetOrigin(); err != nil {
		return fmt.Errorf("invalid server origin: %w", err)
	}

	if _, err := c.GetUpstreamTimeout(); err != nil {
		return fmt.Errorf("invalid upstream timeout format: %w", err)
	}

	for _, prefix := range c.Server.Bypass {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("bypass prefix must start with '/', got: %s", prefix)
		}
	}

	if c.Server.HTTPS.CACertFile != "" && c.Server.HTTPS.CAKeyFile == "" ||
		c.Server.HTTPS.CACertFile == "" && c.Server.HTTPS.CAKeyFile != "" {
		return fmt.Errorf("https ca_cert_file and ca_key_file must be set together")
	}

	if c.Cache.Name == "" {
		return fmt.Errorf("cache name is required")
	}
	if c.Cache.Name == "." || c.Cache.Name == ".." || strings.ContainsRune(c.Cache.Name, 0) {
		return fmt.Errorf("invalid cache name: %q", c.Cache.Name)
	}

	seen := make(map[string]bool, len(c.Cache.Files))
	for _, f := range c.Cache.Files {
		if !strings.HasPrefix(f, "/") {
			return fmt.Errorf("cache file must be an absolute path, got: %s", f)
		}
		if seen[f] {
			return fmt.Errorf("duplicate cache file: %s", f)
		}
		seen[f] = true
	}

	switch c.Cache.Backend {
	case "memory":
	case "disk", "leveldb":
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required for backend %s", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("cache backend must be 'memory', 'disk' or 'leveldb', got: %s", c.Cache.Backend)
	}

	if c.Cache.InstallConcurrency < 1 {
		return fmt.Errorf("install concurrency must be at least 1, got: %d", c.Cache.InstallConcurrency)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}
