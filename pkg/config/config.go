package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "azurebridge.toml"

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

type FileProxyConfig struct {
	URL    string `toml:"url"`
	Encode bool   `toml:"encode"`
}

type KeyPoolConfig struct {
	MaxKeys       int    `toml:"max_keys"`
	ExpireMinutes int    `toml:"expire_minutes"`
	UseSQLite     bool   `toml:"use_sqlite"`
	SQLitePath    string `toml:"sqlite_path,omitempty"`
}

type Config struct {
	ListenAddr             string          `toml:"listen_addr"`
	BaseURL                string          `toml:"base_url"`
	AuthTokens             []string        `toml:"auth_tokens"`
	UpstreamTimeoutSeconds int             `toml:"upstream_timeout_seconds"`
	ModelCacheDays         int             `toml:"model_cache_days"`
	ModelCachePath         string          `toml:"model_cache_path,omitempty"`
	FileProxy              FileProxyConfig `toml:"file_proxy"`
	KeyPool                KeyPoolConfig   `toml:"key_pool"`
	TLS                    TLSConfig       `toml:"tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "azurebridge", defaultConfigFileName)
}

func DefaultModelCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models-cache.json"
	}
	return filepath.Join(home, ".cache", "azurebridge", "models-cache.json")
}

func DefaultCredentialDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.db"
	}
	return filepath.Join(home, ".cache", "azurebridge", "credentials.db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "azurebridge", "tls-autocert")
}

func NewDefault() *Config {
	return &Config{
		ListenAddr:             ":8000",
		BaseURL:                "https://g4f.dev",
		AuthTokens:             []string{"sk-default", "sk-false"},
		UpstreamTimeoutSeconds: 120,
		ModelCacheDays:         7,
		ModelCachePath:         DefaultModelCachePath(),
		FileProxy: FileProxyConfig{
			URL:    "https://proxy.mengze.vip/proxy?url=",
			Encode: false,
		},
		KeyPool: KeyPoolConfig{
			MaxKeys:       3,
			ExpireMinutes: 60,
			UseSQLite:     true,
			SQLitePath:    DefaultCredentialDBPath(),
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       "letsencrypt",
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

// Load reads the TOML file at path, then lets environment variables
// override individual fields.
func Load(path string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate behaves like Load but writes the default config when the
// file does not exist yet.
func LoadOrCreate(path string) (*Config, error) {
	cfg := NewDefault()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := writeAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat config: %w", err)
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// ApplyEnv overrides fields from the environment, matching the variable
// names the deployment scripts already use.
func (c *Config) ApplyEnv() {
	if v, ok := envString("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := envString("BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := envString("AUTH_TOKENS"); ok {
		c.AuthTokens = strings.Split(v, ",")
	}
	if v, ok := envString("FILE_PROXY_URL"); ok {
		c.FileProxy.URL = v
	}
	if v, ok := envBool("FILE_PROXY_ENCODE"); ok {
		c.FileProxy.Encode = v
	}
	if v, ok := envInt("MAX_KEYS"); ok {
		c.KeyPool.MaxKeys = v
	}
	if v, ok := envInt("KEY_EXPIRE_MINUTES"); ok {
		c.KeyPool.ExpireMinutes = v
	}
	if v, ok := envBool("USE_SQLITE"); ok {
		c.KeyPool.UseSQLite = v
	}
	if v, ok := envInt("MODEL_CACHE_DAYS"); ok {
		c.ModelCacheDays = v
	}
}

func envString(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

func envInt(name string) (int, bool) {
	v, ok := envString(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v, ok := envString(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, false
	}
	return b, true
}

func (c *Config) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "https://g4f.dev"
	}
	c.FileProxy.URL = strings.TrimSpace(c.FileProxy.URL)
	if c.UpstreamTimeoutSeconds <= 0 {
		c.UpstreamTimeoutSeconds = 120
	}
	if c.ModelCacheDays <= 0 {
		c.ModelCacheDays = 7
	}
	c.ModelCachePath = strings.TrimSpace(c.ModelCachePath)
	if c.ModelCachePath == "" {
		c.ModelCachePath = DefaultModelCachePath()
	}
	if c.KeyPool.MaxKeys <= 0 {
		c.KeyPool.MaxKeys = 3
	}
	if c.KeyPool.ExpireMinutes <= 0 {
		c.KeyPool.ExpireMinutes = 60
	}
	c.KeyPool.SQLitePath = strings.TrimSpace(c.KeyPool.SQLitePath)
	if c.KeyPool.SQLitePath == "" {
		c.KeyPool.SQLitePath = DefaultCredentialDBPath()
	}

	seen := map[string]struct{}{}
	tokens := make([]string, 0, len(c.AuthTokens))
	for _, t := range c.AuthTokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}
	c.AuthTokens = tokens

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode == "" {
		c.TLS.Mode = "letsencrypt"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	c.TLS.CertPEM = strings.TrimSpace(c.TLS.CertPEM)
	c.TLS.KeyPEM = strings.TrimSpace(c.TLS.KeyPEM)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an http(s) origin", c.BaseURL)
	}
	if len(c.AuthTokens) == 0 {
		return errors.New("auth_tokens cannot be empty")
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "letsencrypt":
			if c.TLS.Domain == "" {
				return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
			}
		case "pem":
			if c.TLS.CertPEM == "" || c.TLS.KeyPEM == "" {
				return errors.New("tls.cert_pem and tls.key_pem are required when tls.enabled=true and tls.mode=pem")
			}
		default:
			return errors.New("tls.mode must be one of letsencrypt, pem")
		}
	}
	return nil
}
