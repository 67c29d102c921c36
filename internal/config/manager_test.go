package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 15s
logging:
  level: debug
scheduler:
  enabled: true
  timezone: UTC
plugins:
  weather:
    enabled: true
    config:
      update_interval: 600
      update_step: null
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	d, err := cfg.PollTimeout()
	if err != nil || d != 15*time.Second {
		t.Fatalf("PollTimeout = %v, %v", d, err)
	}
	pc, ok := cfg.Plugins["weather"]
	if !ok || !pc.Enabled || len(pc.Config) == 0 {
		t.Fatalf("plugins = %+v", cfg.Plugins)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	cases := map[string]string{
		"top":    `{"telegram":{},"nope":1}`,
		"plugin": `{"plugins":{"weather":{"enabled":true,"extra":1}}}`,
		"trail":  `{"telegram":{}} {}`,
	}
	for name, body := range cases {
		if _, err := Decode("c.json", []byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	cfg, err := Decode("c.json", []byte(`{"telegram":{}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestValidateTimezone(t *testing.T) {
	cfg := &Config{Scheduler: SchedulerConfig{Timezone: "Not/AZone"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid timezone error")
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	writeFile(t, dir, "config.json", `{"logging":{"level":"debug"}}`)
	changed, err = m.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("expected published config")
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(context.Context, *Config) error { return errors.New("no") })
	writeFile(t, dir, "config.json", `{"logging":{"level":"warn"}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected rejection")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed: %q", m.Get().Logging.Level)
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Plugins: map[string]PluginConfigRaw{"weather": {Enabled: true, Config: json.RawMessage(`{"a":1}`)}}}
	b := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Plugins: map[string]PluginConfigRaw{"weather": {Enabled: true, Config: json.RawMessage(`{"a":2}`)}},
	}
	sections, _, plugins := SummarizeChange(a, b)
	if len(sections) != 2 || sections[0] != "logging" || sections[1] != "plugins" {
		t.Fatalf("sections = %v", sections)
	}
	if len(plugins) != 1 || plugins[0] != "weather" {
		t.Fatalf("plugins = %v", plugins)
	}
}
