package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "paths: [\"/data\"]\n")

	settings, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", settings.LogLevel)
	}
	if settings.TrackerMaxDepth != -1 {
		t.Errorf("expected default tracker max depth -1, got %d", settings.TrackerMaxDepth)
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "log_level: nonsense\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestLoadRejectsNonPositiveHold(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "hold: -1s\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected an error for a non-positive hold")
	}
}

func TestLoadRejectsUnknownSchedulerKind(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "routes:\n  - tag: t\n    pattern: \".*\"\n    scheduler: \"nonsense\"\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected an error for an unknown scheduler kind")
	}
}

func TestLoadRejectsUnknownTrackerFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "tracker_patterns:\n  - pattern: \".*\"\n    format: \"xml\"\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected an error for an unknown tracker parser format")
	}
}

func TestLoadOverlaysDotEnvAndProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "hold: 1s\n")
	envPath := writeFile(t, dir, ".env", "WATCHD_HOLD=2s\n")

	settings, err := Load(path, envPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.Hold.String() != "2s" {
		t.Errorf("expected .env override to win, got %s", settings.Hold)
	}

	t.Setenv("WATCHD_HOLD", "3s")
	settings, err = Load(path, envPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.Hold.String() != "3s" {
		t.Errorf("expected process environment to win over .env, got %s", settings.Hold)
	}
}

func TestLoadRejectsInvertedObserverIntervalRange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "observer_min_interval: 10s\nobserver_max_interval: 1s\n")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected an error for an inverted observer interval range")
	}
}
