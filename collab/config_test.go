package collab

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadConfigMissingFile tests that a missing file yields the defaults
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Engine.DebounceWindow != def.Engine.DebounceWindow {
		t.Errorf("Expected default debounce %s, got %s", def.Engine.DebounceWindow, cfg.Engine.DebounceWindow)
	}
	if cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("Expected default max attempts 10, got %d", cfg.Reconnect.MaxAttempts)
	}
}

// TestLoadConfigPartial tests that unset fields fall back to defaults
func TestLoadConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.toml")
	content := `
[engine]
debounce_window = "100ms"

[reconnect]
max_attempts = 3

[backup]
compress = false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Engine.DebounceWindow != 100*time.Millisecond {
		t.Errorf("Expected overridden debounce 100ms, got %s", cfg.Engine.DebounceWindow)
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("Expected overridden max attempts 3, got %d", cfg.Reconnect.MaxAttempts)
	}
	// Unset fields keep their defaults.
	if cfg.Presence.CursorThrottle != 16*time.Millisecond {
		t.Errorf("Expected default cursor throttle, got %s", cfg.Presence.CursorThrottle)
	}
	if cfg.Reconnect.InitialDelay != time.Second {
		t.Errorf("Expected default initial delay, got %s", cfg.Reconnect.InitialDelay)
	}
	if cfg.Backup.Compress == nil || *cfg.Backup.Compress {
		t.Error("Expected compression explicitly disabled")
	}
}

// TestLoadConfigInvalid tests the error for unparseable TOML
func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("[engine\nnot toml"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected an error for invalid TOML")
	}
}
