// Copyright 2024-2026 Aiku AI

// Package config loads and validates the relaybridge configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"text/template"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the relaybridge configuration file.
type Config struct {
	Mattermost   MattermostConfig  `yaml:"mattermost"`
	Matrix       MatrixConfig      `yaml:"matrix"`
	Storage      StorageConfig     `yaml:"storage"`
	Cache        CacheConfig       `yaml:"cache"`
	Relay        RelayConfig       `yaml:"relay"`
	Tracing      TracingConfig     `yaml:"tracing"`
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Groups       []*Group          `yaml:"groups" validate:"min=1,dive"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

// MattermostConfig holds the Mattermost connection settings.
type MattermostConfig struct {
	ServerURL           string `yaml:"server_url" validate:"required,url"`
	Token               string `yaml:"token" validate:"required"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed. Leave empty to disable prefix-based
	// filtering.
	BotPrefix string `yaml:"bot_prefix"`
	// UseOverrideUsername shows relayed authors through the post's
	// override_username prop instead of a bold header line. Requires
	// integrations to be allowed to override usernames on the server.
	UseOverrideUsername bool `yaml:"use_override_username"`
	// AvatarChannelID is the channel avatar images are uploaded to so they
	// can be referenced by override_icon_url. Empty disables avatar upload.
	AvatarChannelID string  `yaml:"avatar_channel_id"`
	RateLimit       float64 `yaml:"rate_limit" validate:"gte=0"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// MatrixConfig holds the Matrix connection settings.
type MatrixConfig struct {
	HomeserverURL string    `yaml:"homeserver_url" validate:"required,url"`
	UserID        id.UserID `yaml:"user_id" validate:"required"`
	AccessToken   string    `yaml:"access_token" validate:"required"`
	RateLimit     float64   `yaml:"rate_limit" validate:"gte=0"`
}

// StorageConfig configures attachment staging and the avatar URL cache.
type StorageConfig struct {
	TempDir      string        `yaml:"temp_dir"`
	URLCache     string        `yaml:"url_cache" validate:"oneof=memory redis"`
	RedisURL     string        `yaml:"redis_url" validate:"required_if=URLCache redis"`
	URLTTL       time.Duration `yaml:"url_ttl"`
	FetchAvatars bool          `yaml:"fetch_avatars"`
}

// CacheConfig bounds the per-platform correlation caches. Zero disables a bound.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries" validate:"gte=0"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// RelayConfig controls relay lifecycle behaviour.
type RelayConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TracingConfig enables OTLP trace export of relay spans.
type TracingConfig struct {
	// Endpoint is an OTLP/HTTP endpoint URL. Empty disables tracing.
	Endpoint    string `yaml:"endpoint" validate:"omitempty,url"`
	ServiceName string `yaml:"service_name"`
}

// Group pairs the destinations on each platform that mirror each other.
type Group struct {
	Name       string           `yaml:"name" validate:"required"`
	Mattermost *MattermostGroup `yaml:"mattermost"`
	Matrix     *MatrixGroup     `yaml:"matrix"`
}

// MattermostGroup is the Mattermost side of a relay group.
type MattermostGroup struct {
	ChannelID string `yaml:"channel_id" validate:"required"`
	// DisableInbound stops messages posted in this channel from being relayed.
	DisableInbound bool `yaml:"disable_inbound"`
	// DisableOutbound stops relayed messages from being posted to this channel.
	DisableOutbound bool `yaml:"disable_outbound"`
}

// MatrixGroup is the Matrix side of a relay group.
type MatrixGroup struct {
	RoomID          id.RoomID `yaml:"room_id" validate:"required"`
	DisableInbound  bool      `yaml:"disable_inbound"`
	DisableOutbound bool      `yaml:"disable_outbound"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

// envOverrides are secrets that may be supplied through the environment
// instead of the config file.
type envOverrides struct {
	MattermostToken string `env:"RELAYBRIDGE_MATTERMOST_TOKEN"`
	MatrixToken     string `env:"RELAYBRIDGE_MATRIX_TOKEN"`
	RedisURL        string `env:"RELAYBRIDGE_REDIS_URL"`
	OTelEndpoint    string `env:"RELAYBRIDGE_OTEL_ENDPOINT"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "displayname_template")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Bool, "mattermost", "use_override_username")
	helper.Copy(up.Str, "mattermost", "avatar_channel_id")
	helper.Copy(up.Int|up.Float, "mattermost", "rate_limit")
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "access_token")
	helper.Copy(up.Int|up.Float, "matrix", "rate_limit")
	helper.Copy(up.Str, "storage", "temp_dir")
	helper.Copy(up.Str, "storage", "url_cache")
	helper.Copy(up.Str, "storage", "redis_url")
	helper.Copy(up.Str, "storage", "url_ttl")
	helper.Copy(up.Bool, "storage", "fetch_avatars")
	helper.Copy(up.Int, "cache", "max_entries")
	helper.Copy(up.Str, "cache", "max_age")
	helper.Copy(up.Str, "relay", "shutdown_timeout")
	helper.Copy(up.Str, "tracing", "endpoint")
	helper.Copy(up.Str, "tracing", "service_name")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.List, "groups")
	helper.Copy(up.Map, "logging")
}

// Load reads the config file at path, merges it with the example config and
// applies environment overrides. If save is true, the upgraded config is
// written back to path.
func Load(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv loads a .env file if present and overrides secrets from the
// environment.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if overrides.MattermostToken != "" {
		c.Mattermost.Token = overrides.MattermostToken
	}
	if overrides.MatrixToken != "" {
		c.Matrix.AccessToken = overrides.MatrixToken
	}
	if overrides.RedisURL != "" {
		c.Storage.RedisURL = overrides.RedisURL
	}
	if overrides.OTelEndpoint != "" {
		c.Tracing.Endpoint = overrides.OTelEndpoint
	}
	return nil
}

// PostProcess fills defaults and compiles templates.
func (c *Config) PostProcess() error {
	if c.Storage.URLCache == "" {
		c.Storage.URLCache = "memory"
	}
	if c.Storage.URLTTL <= 0 {
		c.Storage.URLTTL = 24 * time.Hour
	}
	if c.Relay.ShutdownTimeout <= 0 {
		c.Relay.ShutdownTimeout = 10 * time.Second
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "relaybridge"
	}
	return c.Mattermost.PostProcess()
}

// PostProcess compiles the displayname template.
func (c *MattermostConfig) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

// Validate checks struct constraints and cross-group consistency.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	channels := make(map[string]string)
	rooms := make(map[id.RoomID]string)
	for _, g := range c.Groups {
		if g.Mattermost == nil && g.Matrix == nil {
			return fmt.Errorf("invalid config: group %q has no destinations", g.Name)
		}
		if g.Mattermost != nil {
			if other, ok := channels[g.Mattermost.ChannelID]; ok {
				return fmt.Errorf("invalid config: channel %s is used by groups %q and %q", g.Mattermost.ChannelID, other, g.Name)
			}
			channels[g.Mattermost.ChannelID] = g.Name
		}
		if g.Matrix != nil {
			if other, ok := rooms[g.Matrix.RoomID]; ok {
				return fmt.Errorf("invalid config: room %s is used by groups %q and %q", g.Matrix.RoomID, other, g.Name)
			}
			rooms[g.Matrix.RoomID] = g.Name
		}
	}
	return nil
}

// GroupByMattermostChannel returns the group relaying the given channel, or nil.
func (c *Config) GroupByMattermostChannel(channelID string) *Group {
	for _, g := range c.Groups {
		if g.Mattermost != nil && g.Mattermost.ChannelID == channelID {
			return g
		}
	}
	return nil
}

// GroupByMatrixRoom returns the group relaying the given room, or nil.
func (c *Config) GroupByMatrixRoom(roomID id.RoomID) *Group {
	for _, g := range c.Groups {
		if g.Matrix != nil && g.Matrix.RoomID == roomID {
			return g
		}
	}
	return nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *MattermostConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
