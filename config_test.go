package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKeySet(t *testing.T) {
	set := keySet("a, b ,,c")
	if len(set) != 3 || !set["a"] || !set["b"] || !set["c"] {
		t.Fatalf("keySet = %v", set)
	}
	if len(keySet("")) != 0 {
		t.Fatalf("empty input must yield empty set")
	}
}

func TestConfigPrecedence(t *testing.T) {
	t.Setenv("TEST_OPT", "from-env")
	if got := getConfigString("TEST_OPT", "from-file", "fallback"); got != "from-env" {
		t.Fatalf("env should win, got %q", got)
	}
	t.Setenv("TEST_OPT", "")
	if got := getConfigString("TEST_OPT", "from-file", "fallback"); got != "from-file" {
		t.Fatalf("file should win, got %q", got)
	}
	if got := getConfigString("TEST_OPT", "", "fallback"); got != "fallback" {
		t.Fatalf("default should apply, got %q", got)
	}

	t.Setenv("TEST_INT", "17")
	if got := getConfigInt("TEST_INT", 5, 1); got != 17 {
		t.Fatalf("int env should win, got %d", got)
	}
	t.Setenv("TEST_INT", "junk")
	if got := getConfigInt("TEST_INT", 5, 1); got != 5 {
		t.Fatalf("bad env int should fall through, got %d", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	raw := "listen_addr = \":9999\"\npreserve_chats = true\nmax_sessions_per_account = 5\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" || !cfg.PreserveChats || cfg.MaxSessionsPerAccount != 5 {
		t.Fatalf("parsed %+v", cfg)
	}

	missing, err := loadConfigFile(filepath.Join(dir, "nope.toml"))
	if err != nil || missing != nil {
		t.Fatalf("missing file should be nil, nil; got %+v, %v", missing, err)
	}
}
