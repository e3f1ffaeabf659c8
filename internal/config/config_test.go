package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8002" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != 2*time.Second {
		t.Fatalf("unexpected SampleInterval %s", cfg.SampleInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.CPUOnly {
		t.Fatal("CPUOnly should default to false")
	}
	if cfg.EnablePprof {
		t.Fatal("EnablePprof should default to false")
	}
	if cfg.WS.MaxClients != 1024 {
		t.Fatalf("unexpected WS.MaxClients %d", cfg.WS.MaxClients)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_SAMPLE_INTERVAL", "500ms")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Fatalf("SampleInterval override failed, got %s", cfg.SampleInterval)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePprof {
		t.Fatal("EnablePprof override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.WS.MaxClients != 2048 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS.WriteTimeout override failed, got %s", cfg.WS.WriteTimeout)
	}
	if cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS.ReadTimeout override failed, got %s", cfg.WS.ReadTimeout)
	}
}

func TestCPUOnlyPresence(t *testing.T) {
	// Presence alone enables the override, whatever the value.
	t.Setenv("APP_CPU_ONLY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.CPUOnly {
		t.Fatal("CPUOnly not set by empty APP_CPU_ONLY")
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"InvalidSampleInterval", "APP_SAMPLE_INTERVAL", "soon"},
		{"NegativeSampleInterval", "APP_SAMPLE_INTERVAL", "-1s"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPprofBool", "APP_ENABLE_PPROF", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "-1s"},
		{"InvalidWSReadTimeout", "APP_WS_READ_TIMEOUT", "later"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}
