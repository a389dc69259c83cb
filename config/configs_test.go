package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.xml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.xml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8426" || cfg.Paths.Bulk != "/zones/bulk" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_xmlAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `<config>
	<backend>https://zones.example.org/api</backend>
	<locality>12</locality>
	<timeout>5</timeout>
	<paths><tile>/v2/tiles/{z}/{x}/{y}.mvt</tile></paths>
</config>`)
	t.Setenv("ZONEMAP_LOCALITY", "99")
	t.Setenv("ZONEMAP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BackendURL != "https://zones.example.org/api" {
		t.Fatalf("backend = %q", cfg.BackendURL)
	}
	if cfg.LocalityID != 99 {
		t.Fatalf("env override not applied, locality = %d", cfg.LocalityID)
	}
	if cfg.TimeoutSec != 5 || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.Paths.Tile != "/v2/tiles/{z}/{x}/{y}.mvt" {
		t.Fatalf("tile path = %q", cfg.Paths.Tile)
	}
	// 未配置的路径回落到默认值
	if cfg.Paths.Resolve != "/zones/{id}/conflicts/resolve" {
		t.Fatalf("resolve path = %q", cfg.Paths.Resolve)
	}
}

func TestLoad_invalid(t *testing.T) {
	cases := map[string]string{
		"bad xml":     `<config><backend>`,
		"bad scheme":  `<config><backend>ftp://x</backend></config>`,
		"bad timeout": `<config><timeout>-1</timeout></config>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewLoggerTo_levelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected log output: %s", out)
	}
	if !strings.Contains(out, `"service":"zonemap"`) {
		t.Fatalf("missing service field: %s", out)
	}
}
