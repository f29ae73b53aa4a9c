package config

import (
	"os"
	"path/filepath"
	"testing"

	logx "matchbot/pkg/logx"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc", "poll_timeout": "15s"},
		"logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./test.db", "busy_timeout": "2s"},
		"scheduler": {"workers": 3, "sweep_every": "10s"},
		"notifier": {"workers": 2, "scope_quota": 30, "quota_window": "1h"}
	}`)

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Scheduler.Workers != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
logging:
  level: INFO
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: memory
notifier:
  batch_chunk_size: 5
  batch_pause: 500ms
`)

	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Notifier.BatchChunkSize != 5 || cfg.Notifier.BatchPause != "500ms" {
		t.Fatalf("yaml values lost: %+v", cfg.Notifier)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "x"},
		"logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "memory"},
		"typo_section": {}
	}`)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatalf("unknown section accepted")
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "x", "poll_timeout": "soon"},
		"logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "memory"}
	}`)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Level = "DEBUG"
	newCfg.Notifier.ScopeQuota = 10

	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "notifier" {
		t.Fatalf("changed sections = %v", changed)
	}

	same, _ := SummarizeChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("identical configs report changes: %v", same)
	}
}

func TestParseDurationHelpers(t *testing.T) {
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("default not applied: %v %v", d, err)
	}
}
