package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/linewatch/internal/linedispatch"
)

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetLinewatchEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantErr      bool
		wantHost     string
		wantTCPAddr  string
		wantAPIAddr  string
		errSubstring string
	}{
		{
			name: "defaults to localhost host",
			configYAML: `
tcp-port: 4100
api-port: 3100
`,
			wantHost:    "127.0.0.1",
			wantTCPAddr: "127.0.0.1:4100",
			wantAPIAddr: "127.0.0.1:3100",
		},
		{
			name: "host applies to derived tcp and api addresses",
			configYAML: `
host: 0.0.0.0
tcp-port: 4200
api-port: 3200
`,
			wantHost:    "0.0.0.0",
			wantTCPAddr: "0.0.0.0:4200",
			wantAPIAddr: "0.0.0.0:3200",
		},
		{
			name: "explicit addresses override host and ports",
			configYAML: `
host: 0.0.0.0
tcp-port: 4300
api-port: 3300
tcp-addr: 10.0.0.5:9999
api-addr: 10.0.0.5:8888
`,
			wantHost:    "0.0.0.0",
			wantTCPAddr: "10.0.0.5:9999",
			wantAPIAddr: "10.0.0.5:8888",
		},
		{
			name:         "invalid tcp port rejected",
			configYAML:   `tcp-port: 70000`,
			wantErr:      true,
			errSubstring: "invalid tcp-port",
		},
		{
			name:         "invalid max line size rejected",
			configYAML:   `max-line-size: 0`,
			wantErr:      true,
			errSubstring: "invalid max-line-size",
		},
		{
			name:         "negative ready timeout rejected",
			configYAML:   `ready-timeout: -1s`,
			wantErr:      true,
			errSubstring: "invalid ready-timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeTempConfig(t, tt.configYAML)
			cfg, err := loadConfig(configPath)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errSubstring != "" && !strings.Contains(err.Error(), tt.errSubstring) {
					t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
				}
				return
			}

			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if cfg.Host != tt.wantHost {
				t.Fatalf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.TCPAddr != tt.wantTCPAddr {
				t.Fatalf("TCPAddr = %q, want %q", cfg.TCPAddr, tt.wantTCPAddr)
			}
			if cfg.APIAddr != tt.wantAPIAddr {
				t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr, tt.wantAPIAddr)
			}
			if cfg.ConfigPath != configPath {
				t.Fatalf("ConfigPath = %q, want %q", cfg.ConfigPath, configPath)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetLinewatchEnv(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.ConfigPath != "" {
		t.Fatalf("ConfigPath = %q, want empty for a missing file", cfg.ConfigPath)
	}
	if cfg.MaxLineSize != linedispatch.DefaultMaxLineSize {
		t.Fatalf("MaxLineSize = %d", cfg.MaxLineSize)
	}
	if cfg.ReadyTimeout != defaultReadyTimeout {
		t.Fatalf("ReadyTimeout = %s", cfg.ReadyTimeout)
	}
	if !cfg.Echo || cfg.CaptureEnabled || cfg.APIEnabled || cfg.TCPEnabled {
		t.Fatalf("unexpected toggles: %+v", cfg)
	}
	if cfg.StderrSeverity != "WARN" {
		t.Fatalf("StderrSeverity = %q", cfg.StderrSeverity)
	}
	if !strings.HasSuffix(cfg.DBPath, filepath.Join("linewatch", "linewatch.duckdb")) {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	resetLinewatchEnv(t)
	t.Setenv("LINEWATCH_READY_PATTERN", "listening on")
	t.Setenv("LINEWATCH_API_ENABLED", "true")
	t.Setenv("LINEWATCH_READY_TIMEOUT", "5s")

	cfg, err := loadConfig(writeTempConfig(t, `api-port: 3900`))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.ReadyPattern != "listening on" {
		t.Fatalf("ReadyPattern = %q", cfg.ReadyPattern)
	}
	if !cfg.APIEnabled {
		t.Fatal("expected api enabled from env")
	}
	if cfg.ReadyTimeout != 5*time.Second {
		t.Fatalf("ReadyTimeout = %s", cfg.ReadyTimeout)
	}
	if cfg.APIAddr != "127.0.0.1:3900" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
}

func TestLoadConfig_ExpandsHomeInDBPath(t *testing.T) {
	resetLinewatchEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, `db-path: ~/data/lines.duckdb`))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.DBPath != filepath.Join(home, "data", "lines.duckdb") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
}

func TestPrintConfig(t *testing.T) {
	resetLinewatchEnv(t)

	cfg, err := loadConfig(writeTempConfig(t, `
ready-pattern: "server started"
tcp-port: 4400
`))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	var buf bytes.Buffer
	if err := printConfig(&buf, cfg); err != nil {
		t.Fatalf("printConfig: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"ready-pattern: server started",
		"ready-timeout: 30s",
		"tcp-addr: 127.0.0.1:4400",
		"host: 127.0.0.1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("printConfig output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ConfigPath") || strings.Contains(out, "config-path") {
		t.Errorf("config path should not be printed:\n%s", out)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resetLinewatchEnv(t *testing.T) {
	t.Helper()

	original := make(map[string]string)
	existed := make(map[string]bool)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "LINEWATCH_") {
			continue
		}
		original[key] = value
		existed[key] = true
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}

	t.Cleanup(func() {
		for key := range existed {
			if err := os.Unsetenv(key); err != nil {
				t.Fatalf("cleanup unset %s: %v", key, err)
			}
		}
		for key, value := range original {
			if err := os.Setenv(key, value); err != nil {
				t.Fatalf("cleanup restore %s: %v", key, err)
			}
		}
	})
}
