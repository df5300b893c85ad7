// Copyright 2024-2026 Aiku AI

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

const minimalConfig = `
mattermost:
    server_url: http://mm.local:8065
    token: mm-token
matrix:
    homeserver_url: http://synapse.local:8008
    user_id: "@relay:local"
    access_token: mx-token
groups:
    - name: general
      mattermost:
          channel_id: chan1
      matrix:
          room_id: "!room1:local"
`

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Mattermost.ServerURL != "http://mm.local:8065" {
		t.Errorf("ServerURL: got %q", cfg.Mattermost.ServerURL)
	}
	if cfg.Matrix.UserID != id.UserID("@relay:local") {
		t.Errorf("UserID: got %q", cfg.Matrix.UserID)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].Matrix == nil || cfg.Groups[0].Matrix.RoomID != "!room1:local" {
		t.Fatalf("Groups: got %+v", cfg.Groups)
	}
}

func TestConfigDurations(t *testing.T) {
	t.Parallel()
	input := `
storage:
    url_ttl: 2h
cache:
    max_age: 30m
relay:
    shutdown_timeout: 3s
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Storage.URLTTL != 2*time.Hour {
		t.Errorf("URLTTL: got %v", cfg.Storage.URLTTL)
	}
	if cfg.Cache.MaxAge != 30*time.Minute {
		t.Errorf("MaxAge: got %v", cfg.Cache.MaxAge)
	}
	if cfg.Relay.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout: got %v", cfg.Relay.ShutdownTimeout)
	}
}

func TestConfigPostProcessDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if cfg.Storage.URLCache != "memory" {
		t.Errorf("URLCache: got %q, want memory", cfg.Storage.URLCache)
	}
	if cfg.Storage.URLTTL != 24*time.Hour {
		t.Errorf("URLTTL: got %v, want 24h", cfg.Storage.URLTTL)
	}
	if cfg.Relay.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout: got %v, want 10s", cfg.Relay.ShutdownTimeout)
	}
	if cfg.Tracing.ServiceName != "relaybridge" {
		t.Errorf("Tracing.ServiceName: got %q, want relaybridge", cfg.Tracing.ServiceName)
	}
}

func TestConfigPostProcessInvalidTemplate(t *testing.T) {
	t.Parallel()
	cfg := &MattermostConfig{DisplaynameTemplate: "{{.Bad"}
	if err := cfg.PostProcess(); err == nil {
		t.Error("PostProcess should return error for invalid template")
	}
}

func TestFormatDisplayname(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		tmpl   string
		params DisplaynameParams
		want   string
	}{
		{
			name:   "nickname only",
			tmpl:   "{{.Nickname}} (MM)",
			params: DisplaynameParams{Nickname: "JohnD"},
			want:   "JohnD (MM)",
		},
		{
			name:   "full name",
			tmpl:   "{{.FirstName}} {{.LastName}}",
			params: DisplaynameParams{FirstName: "John", LastName: "Doe"},
			want:   "John Doe",
		},
		{
			name:   "empty params use zero values",
			tmpl:   "[{{.Nickname}}]",
			params: DisplaynameParams{},
			want:   "[]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &MattermostConfig{DisplaynameTemplate: tt.tmpl}
			if err := cfg.PostProcess(); err != nil {
				t.Fatalf("PostProcess: %v", err)
			}
			if got := cfg.FormatDisplayname(tt.params); got != tt.want {
				t.Errorf("FormatDisplayname: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDisplayname_ExampleTemplate(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if err := cfg.Mattermost.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	tests := []struct {
		params DisplaynameParams
		want   string
	}{
		{DisplaynameParams{Username: "jd", Nickname: "Johnny"}, "Johnny"},
		{DisplaynameParams{Username: "jd", FirstName: "John", LastName: "Doe"}, "John Doe"},
		{DisplaynameParams{Username: "jd"}, "jd"},
	}
	for _, tt := range tests {
		if got := cfg.Mattermost.FormatDisplayname(tt.params); got != tt.want {
			t.Errorf("FormatDisplayname(%+v): got %q, want %q", tt.params, got, tt.want)
		}
	}
}

func TestFormatDisplayname_NilTemplate(t *testing.T) {
	t.Parallel()
	cfg := &MattermostConfig{}
	if got := cfg.FormatDisplayname(DisplaynameParams{Username: "fallback_user"}); got != "fallback_user" {
		t.Errorf("nil template should fall back to Username: got %q", got)
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}

	userCfg := `
mattermost:
    server_url: http://custom:8065
    bot_prefix: "bridge_"
cache:
    max_entries: 5
admin_api_addr: ":9999"
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "mattermost", "server_url"); !ok || val != "http://custom:8065" {
		t.Errorf("server_url after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "mattermost", "bot_prefix"); !ok || val != "bridge_" {
		t.Errorf("bot_prefix after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "admin_api_addr"); !ok || val != ":9999" {
		t.Errorf("admin_api_addr after upgrade: got %q, ok=%v", val, ok)
	}
}

func TestUpgradeConfig_FillsMissingKeysFromExample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	userCfg := `
mattermost:
    server_url: http://custom:8065
cache:
    max_entries: 5
`
	if err := os.WriteFile(path, []byte(userCfg), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, _, err := up.Do(path, false, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		t.Fatalf("up.Do: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Mattermost.ServerURL != "http://custom:8065" {
		t.Errorf("ServerURL: got %q", cfg.Mattermost.ServerURL)
	}
	if cfg.Cache.MaxEntries != 5 {
		t.Errorf("MaxEntries: got %d, want 5", cfg.Cache.MaxEntries)
	}
	if cfg.Storage.URLCache != "memory" {
		t.Errorf("URLCache: got %q, want memory from the example config", cfg.Storage.URLCache)
	}
	if cfg.Relay.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout: got %v, want 10s from the example config", cfg.Relay.ShutdownTimeout)
	}
}

func TestExampleConfigNotEmpty(t *testing.T) {
	t.Parallel()
	if ExampleConfig == "" {
		t.Error("ExampleConfig should not be empty (embedded from example-config.yaml)")
	}
}

// Tests below use t.Setenv and cannot run in parallel.

func TestParse_ExampleConfigWithEnvSecrets(t *testing.T) {
	t.Setenv("RELAYBRIDGE_MATTERMOST_TOKEN", "from-env-mm")
	t.Setenv("RELAYBRIDGE_MATRIX_TOKEN", "from-env-mx")
	t.Setenv("RELAYBRIDGE_REDIS_URL", "")

	cfg, err := Parse([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mattermost.Token != "from-env-mm" {
		t.Errorf("Mattermost.Token: got %q", cfg.Mattermost.Token)
	}
	if cfg.Matrix.AccessToken != "from-env-mx" {
		t.Errorf("Matrix.AccessToken: got %q", cfg.Matrix.AccessToken)
	}
	if cfg.Cache.MaxEntries != 10000 || cfg.Cache.MaxAge != 48*time.Hour {
		t.Errorf("Cache: got %+v", cfg.Cache)
	}
	if cfg.AdminAPIAddr != ":29320" {
		t.Errorf("AdminAPIAddr: got %q", cfg.AdminAPIAddr)
	}
}

func TestParse_TracingEndpointFromEnv(t *testing.T) {
	t.Setenv("RELAYBRIDGE_MATTERMOST_TOKEN", "")
	t.Setenv("RELAYBRIDGE_MATRIX_TOKEN", "")
	t.Setenv("RELAYBRIDGE_REDIS_URL", "")
	t.Setenv("RELAYBRIDGE_OTEL_ENDPOINT", "http://collector:4318/v1/traces")

	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Tracing.Endpoint != "http://collector:4318/v1/traces" {
		t.Errorf("Tracing.Endpoint: got %q", cfg.Tracing.Endpoint)
	}
}

func TestParse_MissingToken(t *testing.T) {
	t.Setenv("RELAYBRIDGE_MATTERMOST_TOKEN", "")
	t.Setenv("RELAYBRIDGE_MATRIX_TOKEN", "")

	_, err := Parse([]byte(ExampleConfig))
	if err == nil {
		t.Fatal("Parse should fail without tokens")
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validator.ValidationErrors, got %T: %v", err, err)
	}
}

func TestParse_ConfigFileTokenKeptWithoutEnv(t *testing.T) {
	t.Setenv("RELAYBRIDGE_MATTERMOST_TOKEN", "")
	t.Setenv("RELAYBRIDGE_MATRIX_TOKEN", "")
	t.Setenv("RELAYBRIDGE_REDIS_URL", "")

	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Mattermost.Token != "mm-token" {
		t.Errorf("Mattermost.Token: got %q", cfg.Mattermost.Token)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	t.Setenv("RELAYBRIDGE_MATTERMOST_TOKEN", "")
	t.Setenv("RELAYBRIDGE_MATRIX_TOKEN", "")
	t.Setenv("RELAYBRIDGE_REDIS_URL", "")

	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{
			name: "redis without url",
			extra: `
storage:
    url_cache: redis
`,
			wantErr: "RedisURL",
		},
		{
			name: "unknown url cache",
			extra: `
storage:
    url_cache: memcached
`,
			wantErr: "URLCache",
		},
		{
			name: "duplicate channel",
			extra: `
groups:
    - name: a
      mattermost:
          channel_id: same
    - name: b
      mattermost:
          channel_id: same
`,
			wantErr: "channel same is used by groups",
		},
		{
			name: "duplicate room",
			extra: `
groups:
    - name: a
      matrix:
          room_id: "!same:local"
    - name: b
      matrix:
          room_id: "!same:local"
`,
			wantErr: "room !same:local is used by groups",
		},
		{
			name: "group without destinations",
			extra: `
groups:
    - name: empty
`,
			wantErr: `group "empty" has no destinations`,
		},
		{
			name: "no groups",
			extra: `
groups: []
`,
			wantErr: "Groups",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := mergeYAML(t, minimalConfig, tt.extra)
			_, err := Parse(doc)
			if err == nil {
				t.Fatal("Parse should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestGroupLookup(t *testing.T) {
	t.Parallel()
	cfg := &Config{Groups: []*Group{
		{Name: "a", Mattermost: &MattermostGroup{ChannelID: "c1"}},
		{Name: "b", Matrix: &MatrixGroup{RoomID: "!r2:local"}},
		{Name: "c", Mattermost: &MattermostGroup{ChannelID: "c3"}, Matrix: &MatrixGroup{RoomID: "!r3:local"}},
	}}
	if g := cfg.GroupByMattermostChannel("c3"); g == nil || g.Name != "c" {
		t.Errorf("GroupByMattermostChannel(c3): got %+v", g)
	}
	if g := cfg.GroupByMatrixRoom("!r2:local"); g == nil || g.Name != "b" {
		t.Errorf("GroupByMatrixRoom(!r2:local): got %+v", g)
	}
	if g := cfg.GroupByMattermostChannel("missing"); g != nil {
		t.Errorf("GroupByMattermostChannel(missing): got %+v, want nil", g)
	}
	if g := cfg.GroupByMatrixRoom("!missing:local"); g != nil {
		t.Errorf("GroupByMatrixRoom(missing): got %+v, want nil", g)
	}
}

// mergeYAML overlays the top-level keys of extra onto base.
func mergeYAML(t *testing.T, base, extra string) []byte {
	t.Helper()
	var b, e map[string]any
	if err := yaml.Unmarshal([]byte(base), &b); err != nil {
		t.Fatalf("failed to parse base: %v", err)
	}
	if err := yaml.Unmarshal([]byte(extra), &e); err != nil {
		t.Fatalf("failed to parse extra: %v", err)
	}
	for k, v := range e {
		b[k] = v
	}
	out, err := yaml.Marshal(b)
	if err != nil {
		t.Fatalf("failed to marshal merged config: %v", err)
	}
	return out
}
