package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
datastore:
  driver: postgres
  database: qotd
  user: qotd
  pool_size: 4
  retry_delay: 1s
  tunnel:
    enabled: true
    ssh_address: bastion:22
    ssh_user: qotd
    ssh_key_file: /keys/id
    local_bind: 127.0.0.1:15432
    remote_bind: 10.0.0.5:5432
scheduler:
  enabled: true
  timezone: UTC
telegram:
  enabled: false
  token: ""
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Datastore.PoolSize != 4 || cfg.Datastore.Tunnel == nil || cfg.Datastore.Tunnel.RemoteBind != "10.0.0.5:5432" {
		t.Fatalf("unexpected datastore: %+v", cfg.Datastore)
	}
	if !cfg.Scheduler.ReresolveDailyOrDefault() {
		t.Fatal("reresolve_daily should default to true")
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"logging":{"level":"info"},"bogus":1}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{} {}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad driver", func(c *Config) { c.Datastore.Driver = "mysql" }, "unsupported driver"},
		{"bad duration", func(c *Config) { c.Datastore.SettleDelay = "soon" }, "settle_delay"},
		{"negative pool", func(c *Config) { c.Datastore.PoolSize = -1 }, "pool_size"},
		{"tunnel without auth", func(c *Config) {
			c.Datastore.Tunnel = &TunnelConfig{Enabled: true, SSHAddress: "h:22", SSHUser: "u", RemoteBind: "db:5432"}
		}, "ssh_password or ssh_key_file"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Config{Datastore: DatastoreConfig{Driver: "sqlite", Database: ":memory:"}}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 30*time.Second)
	if err != nil || d != 30*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "5s", 30*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Scheduler: SchedulerConfig{Timezone: "Asia/Jakarta"}}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"telegram": true, "scheduler": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q", c)
		}
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"scheduler":{"enabled":true,"timezone":"UTC"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(p, []byte(`{"scheduler":{"enabled":true,"timezone":"Asia/Tokyo"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.Timezone != "Asia/Tokyo" {
			t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
