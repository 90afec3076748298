package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Store = StoreConfig{Driver: "pgx", DSN: "postgres://localhost/chat"}
	cfg.Sync.FlushInterval = 2 * time.Second
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Store.Driver != "pgx" || loaded.Store.DSN != "postgres://localhost/chat" {
		t.Errorf("Store = %+v", loaded.Store)
	}
	if loaded.Sync.FlushInterval != 2*time.Second {
		t.Errorf("FlushInterval = %v, want 2s", loaded.Sync.FlushInterval)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_profile = \"phone\"\n\n[sync]\nflush_interval = \"1s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultProfile != "phone" {
		t.Errorf("DefaultProfile = %q", cfg.DefaultProfile)
	}
	if cfg.Sync.FlushInterval != time.Second {
		t.Errorf("FlushInterval = %v, want 1s", cfg.Sync.FlushInterval)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.TypingTTL != 3*time.Second {
		t.Errorf("TypingTTL = %v, want default 3s", cfg.Sync.TypingTTL)
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	t.Setenv("CHATSYNC_STORE_DRIVER", "pgx")
	t.Setenv("CHATSYNC_REDIS_ADDR", "localhost:6379")
	t.Setenv("CHATSYNC_MAX_RETRIES", "5")
	t.Setenv("CHATSYNC_SEND_TIMEOUT", "250ms")

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Store.Driver != "pgx" {
		t.Errorf("Store.Driver = %q, want pgx", cfg.Store.Driver)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.SendTimeout != 250*time.Millisecond {
		t.Errorf("SendTimeout = %v, want 250ms", cfg.Sync.SendTimeout)
	}
	if cfg.Sync.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want default 5s", cfg.Sync.FlushInterval)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
