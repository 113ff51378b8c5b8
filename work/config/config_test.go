package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, payload string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(payload), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads and parses duration strings", func(t *testing.T) {
		path := writeConfig(t, `{
			"baseURL": "http://tv.example.com",
			"dataDir": "/srv/tv",
			"proxyTimeout": "12s",
			"probeTimeout": "2500ms",
			"harvestDelay": "1m",
			"checkerWorkers": 8
		}`)
		t.Setenv("TVWALL_CONFIG", path)
		ClearConfigCache()
		t.Cleanup(ClearConfigCache)

		cfg := LoadConfig()

		if cfg.BaseURL != "http://tv.example.com" {
			t.Errorf("BaseURL = %q", cfg.BaseURL)
		}
		if cfg.ProxyTimeout != 12*time.Second {
			t.Errorf("ProxyTimeout = %s, want 12s", cfg.ProxyTimeout)
		}
		if cfg.ProbeTimeout != 2500*time.Millisecond {
			t.Errorf("ProbeTimeout = %s, want 2.5s", cfg.ProbeTimeout)
		}
		if cfg.HarvestDelay != time.Minute {
			t.Errorf("HarvestDelay = %s, want 1m", cfg.HarvestDelay)
		}
		if cfg.CheckerWorkers != 8 {
			t.Errorf("CheckerWorkers = %d, want 8", cfg.CheckerWorkers)
		}
		// omitted fields pick up defaults
		if cfg.ListenAddr != ":5013" {
			t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":5013")
		}
		if cfg.DatabasePath != filepath.Join("/srv/tv", "CHECK", "probes.db") {
			t.Errorf("DatabasePath = %q", cfg.DatabasePath)
		}
		if cfg.ProbeRetention != 30*24*time.Hour {
			t.Errorf("ProbeRetention = %s, want 720h", cfg.ProbeRetention)
		}
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("TVWALL_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
		ClearConfigCache()
		t.Cleanup(ClearConfigCache)

		cfg := LoadConfig()

		if cfg.ProxyTimeout != 8*time.Second {
			t.Errorf("ProxyTimeout = %s, want 8s", cfg.ProxyTimeout)
		}
		if cfg.CheckerWorkers != 30 {
			t.Errorf("CheckerWorkers = %d, want 30", cfg.CheckerWorkers)
		}
		if len(cfg.AllowedSchemes) != 2 {
			t.Errorf("AllowedSchemes = %v", cfg.AllowedSchemes)
		}
	})

	t.Run("invalid duration falls back to defaults", func(t *testing.T) {
		path := writeConfig(t, `{"proxyTimeout": "soon"}`)
		t.Setenv("TVWALL_CONFIG", path)
		ClearConfigCache()
		t.Cleanup(ClearConfigCache)

		cfg := LoadConfig()
		if cfg.ProxyTimeout != 8*time.Second {
			t.Errorf("ProxyTimeout = %s, want default 8s", cfg.ProxyTimeout)
		}
	})

	t.Run("repeated loads return the cached instance", func(t *testing.T) {
		t.Setenv("TVWALL_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
		ClearConfigCache()
		t.Cleanup(ClearConfigCache)

		if first, second := LoadConfig(), LoadConfig(); first != second {
			t.Error("LoadConfig() returned different instances")
		}
	})
}

func TestSchemeAllowed(t *testing.T) {
	cfg := &Config{AllowedSchemes: []string{"http", "https"}}

	for scheme, want := range map[string]bool{
		"http":  true,
		"https": true,
		"file":  false,
		"ftp":   false,
		"":      false,
	} {
		if got := cfg.SchemeAllowed(scheme); got != want {
			t.Errorf("SchemeAllowed(%q) = %v, want %v", scheme, got, want)
		}
	}
}

func TestCreateExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings", "config.json")

	if err := CreateExampleConfig(path); err != nil {
		t.Fatalf("CreateExampleConfig() error = %v", err)
	}

	// the example must load back cleanly
	cfg, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.ProxyTimeout != 8*time.Second {
		t.Errorf("ProxyTimeout = %s, want 8s", cfg.ProxyTimeout)
	}
	if len(cfg.HarvestSources) == 0 {
		t.Error("example config has no harvest sources")
	}
}
