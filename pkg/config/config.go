// Package config loads and validates the monitor's static configuration.
// Values come from a YAML file, with environment overrides for secrets so
// they can stay out of the file entirely.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	IMAP    IMAPConfig    `yaml:"imap"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Monitor MonitorConfig `yaml:"monitor"`
	Reply   ReplyConfig   `yaml:"reply"`
	Logging LoggingConfig `yaml:"logging"`
}

type IMAPConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Account string `yaml:"account"`
	Folder  string `yaml:"folder"`
	// Password enables plain LOGIN instead of XOAUTH2. Used for app
	// passwords and local test servers.
	Password string `yaml:"password"`
	// Insecure dials without TLS. Only sensible against a local server.
	Insecure bool `yaml:"insecure"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	// TokenCache is where refreshed access tokens are persisted.
	TokenCache string `yaml:"token_cache"`
	// TokenURL overrides the Google token endpoint. Tests point it at a
	// local server.
	TokenURL string `yaml:"token_url"`
}

type MonitorConfig struct {
	// Sender is the single address whose messages get an auto-reply,
	// matched case-insensitively.
	Sender    string `yaml:"sender"`
	ReplyBody string `yaml:"reply_body"`

	IdleTimeoutSeconds      int `yaml:"idle_timeout_seconds"`
	ReconnectBackoffSeconds int `yaml:"reconnect_backoff_seconds"`
	RateLimitRetries        int `yaml:"rate_limit_retries"`
	RateLimitDelaySeconds   int `yaml:"rate_limit_delay_seconds"`
}

type ReplyConfig struct {
	// MessageIDDomain is the domain for generated Message-Id headers.
	// Defaults to the account's domain.
	MessageIDDomain string `yaml:"message_id_domain"`

	BreakerThreshold       int `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Sanitized masks email addresses in log output.
	Sanitized bool `yaml:"sanitized"`
}

func (c IMAPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (m MonitorConfig) IdleTimeout() time.Duration {
	return time.Duration(m.IdleTimeoutSeconds) * time.Second
}

func (m MonitorConfig) ReconnectBackoff() time.Duration {
	return time.Duration(m.ReconnectBackoffSeconds) * time.Second
}

func (m MonitorConfig) RateLimitDelay() time.Duration {
	return time.Duration(m.RateLimitDelaySeconds) * time.Second
}

func (r ReplyConfig) BreakerCooldown() time.Duration {
	return time.Duration(r.BreakerCooldownSeconds) * time.Second
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.OAuth.ClientID = getEnvString("GMAIL_CLIENT_ID", c.OAuth.ClientID)
	c.OAuth.ClientSecret = getEnvString("GMAIL_CLIENT_SECRET", c.OAuth.ClientSecret)
	c.OAuth.RefreshToken = getEnvString("GMAIL_REFRESH_TOKEN", c.OAuth.RefreshToken)
	c.IMAP.Password = getEnvString("IMAP_PASSWORD", c.IMAP.Password)
}

func (c *Config) applyDefaults() {
	if c.IMAP.Host == "" {
		c.IMAP.Host = "imap.gmail.com"
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.Monitor.IdleTimeoutSeconds == 0 {
		c.Monitor.IdleTimeoutSeconds = 300
	}
	if c.Monitor.ReconnectBackoffSeconds == 0 {
		c.Monitor.ReconnectBackoffSeconds = 5
	}
	if c.Monitor.RateLimitRetries == 0 {
		c.Monitor.RateLimitRetries = 2
	}
	if c.Monitor.RateLimitDelaySeconds == 0 {
		c.Monitor.RateLimitDelaySeconds = 30
	}
	if c.Reply.MessageIDDomain == "" {
		if at := strings.LastIndexByte(c.IMAP.Account, '@'); at >= 0 {
			c.Reply.MessageIDDomain = c.IMAP.Account[at+1:]
		}
	}
	if c.Reply.BreakerThreshold == 0 {
		c.Reply.BreakerThreshold = 5
	}
	if c.Reply.BreakerCooldownSeconds == 0 {
		c.Reply.BreakerCooldownSeconds = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.IMAP.Account == "" || !strings.Contains(c.IMAP.Account, "@") {
		return errors.New("imap.account must be a full mailbox address")
	}
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range", c.IMAP.Port)
	}
	if c.Monitor.Sender == "" || !strings.Contains(c.Monitor.Sender, "@") {
		return errors.New("monitor.sender must be a full address")
	}
	if strings.TrimSpace(c.Monitor.ReplyBody) == "" {
		return errors.New("monitor.reply_body must not be empty")
	}
	if c.Monitor.IdleTimeoutSeconds < 0 || c.Monitor.ReconnectBackoffSeconds < 0 {
		return errors.New("monitor timeouts must not be negative")
	}
	if c.IMAP.Password == "" && !c.OAuth.complete() {
		return errors.New("either imap.password or the full oauth block (client_id, client_secret, refresh_token) is required")
	}
	return nil
}

func (o OAuthConfig) complete() bool {
	return o.ClientID != "" && o.ClientSecret != "" && o.RefreshToken != ""
}

func getEnvString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
