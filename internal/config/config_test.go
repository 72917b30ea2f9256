package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  ops_chat_id: -100123
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/launchbot.db
refresh:
  base_period: 15m
dispatch:
  rate_per_sec: 4
  burst_every: 50
  burst_pause: 3s
retention:
  enabled: true
  schedule: "03:30"
mirror:
  enabled: true
  addr: 127.0.0.1:6379
  prefix: "launchbot:"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.OpsChatID != -100123 || cfg.Dispatch.BurstEvery != 50 || cfg.Mirror.Prefix != "launchbot:" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)
	if _, err := NewConfigManager(p).Load(); err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("err = %v, want unknown field plugins", err)
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"}}{}`)
	if _, err := NewConfigManager(p).Load(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:  StorageConfig{Driver: "postgres"},
		Refresh:  RefreshConfig{BasePeriod: "10s"},
		Dispatch: DispatchConfig{BurstPause: "soon"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"telegram.token", "storage.driver", "refresh.base_period", "dispatch.burst_pause"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in %v", want, err)
		}
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 15 * time.Minute},
		{"0s", 15 * time.Minute},
		{"90s", 90 * time.Second},
		{" 2h ", 2 * time.Hour},
		{"3d", 72 * time.Hour},
	}
	for _, tc := range cases {
		d, err := DurationOr("retention.max_age", tc.raw, 15*time.Minute)
		if err != nil || d != tc.want {
			t.Errorf("%q: got %v %v, want %v", tc.raw, d, err, tc.want)
		}
	}
}

func TestParseDurationNamesTheField(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"-1s", "soon", "1.5d", "-2d"} {
		_, err := ParseDuration("refresh.retry_delay", raw)
		var fe *FieldError
		if !errors.As(err, &fe) {
			t.Fatalf("%q: err = %v, want *FieldError", raw, err)
		}
		if fe.Field != "refresh.retry_delay" || !strings.HasPrefix(err.Error(), "refresh.retry_delay: ") {
			t.Fatalf("%q: err = %v", raw, err)
		}
	}
}

func TestDecodeYAMLSections(t *testing.T) {
	t.Parallel()
	cfg, err := decode("launchbot.yml", []byte(`
refresh:
  base_period: 20m
  retry_delay: 2m
dispatch:
  rate_per_sec: 2.5
  burst_every: 30
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Refresh.BasePeriod != "20m" || cfg.Refresh.RetryDelay != "2m" {
		t.Fatalf("refresh = %+v", cfg.Refresh)
	}
	if cfg.Dispatch.RatePerSec != 2.5 || cfg.Dispatch.BurstEvery != 30 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
}

func TestDecodeErrorsNameTheFile(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		path, body string
	}{
		"unknown yaml key": {"/etc/launchbot/config.yaml", "refresh:\n  period: 5m\n"},
		"empty yaml":       {"/etc/launchbot/config.yaml", ""},
		"bad json":         {"/etc/launchbot/config.json", `{"refresh":`},
		"trailing json":    {"/etc/launchbot/config.json", `{} {}`},
	}
	for name, tc := range cases {
		_, err := decode(tc.path, []byte(tc.body))
		if err == nil || !strings.HasPrefix(err.Error(), "config config.") {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestStringKeys(t *testing.T) {
	t.Parallel()
	in := map[string]any{
		"dispatch": map[any]any{"burst_every": 50, -100123: "ops"},
		"refresh":  []any{map[any]any{"base_period": "15m"}},
	}
	out := stringKeys(in).(map[string]any)
	d, ok := out["dispatch"].(map[string]any)
	if !ok || d["-100123"] != "ops" || d["burst_every"] != 50 {
		t.Fatalf("dispatch = %#v", out["dispatch"])
	}
	r := out["refresh"].([]any)
	if m, ok := r[0].(map[string]any); !ok || m["base_period"] != "15m" {
		t.Fatalf("refresh = %#v", r)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
		t.Fatal("unchanged content must not publish")
	default:
	}

	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "level: debug", "level: info", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "info" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("changed content must publish")
	}
}

func TestReloadRespectsValidator(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate() })

	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, `token: "123:abc"`, `token: ""`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(context.Background()); err == nil {
		t.Fatal("invalid config must be rejected")
	}
	if m.Get().Telegram.Token != "123:abc" {
		t.Fatal("rejected config must not be committed")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "burst_every: 50", "burst_every: 20", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.BurstEvery != 20 {
			t.Fatalf("burst_every = %d", cfg.Dispatch.BurstEvery)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}, Dispatch: DispatchConfig{RatePerSec: 2}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "telegram,dispatch" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("restart = %v", got)
	}
}
