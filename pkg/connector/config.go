// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the relay configuration. Durations are whole seconds.
type Config struct {
	// InstanceName namespaces credential storage and is the default instance
	// of the HTTP API.
	InstanceName string `yaml:"instance_name"`
	// AutoStart connects the default instance on boot.
	AutoStart bool `yaml:"auto_start"`

	Credentials CredentialsConfig `yaml:"credentials"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Relay       RelayConfig       `yaml:"relay"`
	Media       MediaConfig       `yaml:"media"`
	Mirror      MirrorConfig      `yaml:"mirror"`
	API         APIConfig         `yaml:"api"`
	Outbound    OutboundConfig    `yaml:"outbound"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type CredentialsConfig struct {
	Directory string `yaml:"directory"`
	// Passphrase enables age encryption of stored entries when set.
	Passphrase string `yaml:"passphrase"`
	// ScryptWorkFactor is the log2 scrypt cost. 0 keeps the library default.
	ScryptWorkFactor int `yaml:"scrypt_work_factor"`
}

type ProtocolConfig struct {
	// SidecarURL is the websocket endpoint of the protocol sidecar.
	SidecarURL string `yaml:"sidecar_url"`
	// UserServer is the address domain appended to bare numbers.
	UserServer     string `yaml:"user_server"`
	RequestTimeout int    `yaml:"request_timeout"`
}

type ReconnectConfig struct {
	Delay         int `yaml:"delay"`
	JitterPercent int `yaml:"jitter_percent"`
	// MaxAttempts of 0 retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

type RelayConfig struct {
	WebhookURL     string       `yaml:"webhook_url"`
	WebhookTimeout int          `yaml:"webhook_timeout"`
	Allowlist      []string     `yaml:"allowlist"`
	MediaTimeout   int          `yaml:"media_timeout"`
	Outbox         OutboxConfig `yaml:"outbox"`
}

type OutboxConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetryInterval int    `yaml:"retry_interval"`
	MaxAttempts   int    `yaml:"max_attempts"`
}

type MediaConfig struct {
	// Backend is one of none, local or mattermost.
	Backend    string                `yaml:"backend"`
	Local      LocalMediaConfig      `yaml:"local"`
	Mattermost MattermostMediaConfig `yaml:"mattermost"`
}

type LocalMediaConfig struct {
	Directory string `yaml:"directory"`
	PublicURL string `yaml:"public_url"`
}

type MattermostMediaConfig struct {
	ServerURL   string `yaml:"server_url"`
	Token       string `yaml:"token"`
	ChannelID   string `yaml:"channel_id"`
	PublicLinks bool   `yaml:"public_links"`
}

type MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Token is required as a bearer token on every request when set.
	Token string `yaml:"token"`
}

type OutboundConfig struct {
	ConvertMarkdown bool `yaml:"convert_markdown"`
}

const (
	MediaBackendNone       = "none"
	MediaBackendLocal      = "local"
	MediaBackendMattermost = "mattermost"
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// ApplyEnv overrides file values with RELAY_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("RELAY_INSTANCE_NAME"); v != "" {
		c.InstanceName = v
	}
	if v := getenv("RELAY_WEBHOOK_URL"); v != "" {
		c.Relay.WebhookURL = v
	}
	if v := getenv("RELAY_ALLOWLIST"); v != "" {
		c.Relay.Allowlist = nil
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				c.Relay.Allowlist = append(c.Relay.Allowlist, entry)
			}
		}
	}
	if v := getenv("RELAY_AUTO_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELAY_AUTO_START: %w", err)
		}
		c.AutoStart = b
	}
	if v := getenv("RELAY_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := getenv("RELAY_SIDECAR_URL"); v != "" {
		c.Protocol.SidecarURL = v
	}
	if v := getenv("RELAY_CREDENTIALS_PASSPHRASE"); v != "" {
		c.Credentials.Passphrase = v
	}
	return nil
}

// PostProcess fills defaults and validates the configuration.
func (c *Config) PostProcess() error {
	if c.InstanceName == "" {
		c.InstanceName = "default"
	}
	if c.Credentials.Directory == "" {
		c.Credentials.Directory = "./credentials"
	}
	if c.Protocol.UserServer == "" {
		c.Protocol.UserServer = DefaultUserServer
	}
	if c.Protocol.RequestTimeout <= 0 {
		c.Protocol.RequestTimeout = 30
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = int(DefaultReconnectDelay / time.Second)
	}
	if c.Reconnect.JitterPercent < 0 || c.Reconnect.JitterPercent > 100 {
		return fmt.Errorf("reconnect.jitter_percent must be between 0 and 100, got %d", c.Reconnect.JitterPercent)
	}
	if c.Relay.WebhookTimeout <= 0 {
		c.Relay.WebhookTimeout = int(DefaultWebhookTimeout / time.Second)
	}
	if c.Relay.MediaTimeout <= 0 {
		c.Relay.MediaTimeout = int(DefaultMediaTimeout / time.Second)
	}
	if c.Relay.Outbox.Enabled {
		if c.Relay.Outbox.Path == "" {
			c.Relay.Outbox.Path = "./outbox.db"
		}
		if c.Relay.Outbox.RetryInterval <= 0 {
			c.Relay.Outbox.RetryInterval = 30
		}
	}
	for i, entry := range c.Relay.Allowlist {
		addr := NormalizeAddress(entry, c.Protocol.UserServer)
		if addr == "" {
			return fmt.Errorf("relay.allowlist[%d]: %q is not an address", i, entry)
		}
		c.Relay.Allowlist[i] = addr
	}
	switch c.Media.Backend {
	case "", MediaBackendNone:
		c.Media.Backend = MediaBackendNone
	case MediaBackendLocal:
		if c.Media.Local.Directory == "" || c.Media.Local.PublicURL == "" {
			return errors.New("media.local needs directory and public_url")
		}
	case MediaBackendMattermost:
		m := c.Media.Mattermost
		if m.ServerURL == "" || m.Token == "" || m.ChannelID == "" {
			return errors.New("media.mattermost needs server_url, token and channel_id")
		}
	default:
		return fmt.Errorf("unknown media.backend %q", c.Media.Backend)
	}
	if c.Mirror.Enabled && (c.Mirror.ServerURL == "" || c.Mirror.Token == "" || c.Mirror.ChannelID == "") {
		return errors.New("mirror needs server_url, token and channel_id")
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:29330"
	}
	return nil
}

// ReconnectPolicy converts the reconnect section.
func (c *Config) ReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Delay:       time.Duration(c.Reconnect.Delay) * time.Second,
		Jitter:      float64(c.Reconnect.JitterPercent) / 100,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "instance_name")
	helper.Copy(up.Bool, "auto_start")
	helper.Copy(up.Str, "credentials", "directory")
	helper.Copy(up.Str|up.Null, "credentials", "passphrase")
	helper.Copy(up.Int, "credentials", "scrypt_work_factor")
	helper.Copy(up.Str, "protocol", "sidecar_url")
	helper.Copy(up.Str, "protocol", "user_server")
	helper.Copy(up.Int, "protocol", "request_timeout")
	helper.Copy(up.Int, "reconnect", "delay")
	helper.Copy(up.Int, "reconnect", "jitter_percent")
	helper.Copy(up.Int, "reconnect", "max_attempts")
	helper.Copy(up.Str|up.Null, "relay", "webhook_url")
	helper.Copy(up.Int, "relay", "webhook_timeout")
	helper.Copy(up.List, "relay", "allowlist")
	helper.Copy(up.Int, "relay", "media_timeout")
	helper.Copy(up.Bool, "relay", "outbox", "enabled")
	helper.Copy(up.Str, "relay", "outbox", "path")
	helper.Copy(up.Int, "relay", "outbox", "retry_interval")
	helper.Copy(up.Int, "relay", "outbox", "max_attempts")
	helper.Copy(up.Str, "media", "backend")
	helper.Copy(up.Str|up.Null, "media", "local", "directory")
	helper.Copy(up.Str|up.Null, "media", "local", "public_url")
	helper.Copy(up.Str|up.Null, "media", "mattermost", "server_url")
	helper.Copy(up.Str|up.Null, "media", "mattermost", "token")
	helper.Copy(up.Str|up.Null, "media", "mattermost", "channel_id")
	helper.Copy(up.Bool, "media", "mattermost", "public_links")
	helper.Copy(up.Bool, "mirror", "enabled")
	helper.Copy(up.Str|up.Null, "mirror", "server_url")
	helper.Copy(up.Str|up.Null, "mirror", "token")
	helper.Copy(up.Str|up.Null, "mirror", "channel_id")
	helper.Copy(up.Str, "api", "listen_addr")
	helper.Copy(up.Str|up.Null, "api", "token")
	helper.Copy(up.Bool, "outbound", "convert_markdown")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the layout of ExampleConfig.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         nil,
	Base:           ExampleConfig,
}

// LoadConfig reads the config at path, upgrading it to the current layout
// and writing the upgraded file back when save is set. A missing file is
// created from the example config.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies RELAY_* overrides and post-processes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
