package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestVersionCommandPrintsVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != "dev" {
		t.Errorf("expected default version %q, got %q", "dev", out.String())
	}
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	defer envSnapshot(t)()
	os.Setenv("DTS_PORT", "9191")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "port: 9191") {
		t.Errorf("expected rendered YAML to contain port, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "db_path:") {
		t.Errorf("expected rendered YAML to contain db_path, got:\n%s", out.String())
	}
}

// envSnapshot mirrors internal/config's test helper: it saves and clears
// DTS_ environment variables around a test, restoring them afterward.
func envSnapshot(t *testing.T) func() {
	t.Helper()
	saved := make(map[string]string)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "DTS_") {
			parts := strings.SplitN(env, "=", 2)
			key := parts[0]
			saved[key] = os.Getenv(key)
			os.Unsetenv(key)
		}
	}
	return func() {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "DTS_") {
				parts := strings.SplitN(env, "=", 2)
				os.Unsetenv(parts[0])
			}
		}
		for key, val := range saved {
			os.Setenv(key, val)
		}
	}
}
