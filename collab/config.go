package collab

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config collects the timing and policy knobs of every component.
// Zero values fall back to the defaults below, so a config file only
// needs to name what it changes.
type Config struct {
	Engine    EngineConfig
	Presence  PresenceConfig
	Reconnect ReconnectConfig
	Backup    BackupConfig
}

// EngineConfig tunes change propagation.
type EngineConfig struct {
	// DebounceWindow coalesces keystroke bursts into one emitted change.
	DebounceWindow time.Duration
}

// PresenceConfig tunes cursor and typing broadcast.
type PresenceConfig struct {
	// CursorThrottle is the minimum gap between outbound cursor updates.
	CursorThrottle time.Duration
	// TypingExpiry clears a typing indicator that is not refreshed.
	TypingExpiry time.Duration
}

// ReconnectConfig tunes the reconnection state machine.
type ReconnectConfig struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// JitterRange spreads each delay by ±delay*JitterRange.
	JitterRange float64
	MaxAttempts int
	// GraceTimeout is how long after an attempt the manager waits for
	// the transport to report a connection before scheduling the next.
	GraceTimeout time.Duration
}

// BackupConfig tunes session snapshots.
type BackupConfig struct {
	Interval    time.Duration
	HistorySize int
	Compress    *bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	compress := true
	return Config{
		Engine: EngineConfig{DebounceWindow: 40 * time.Millisecond},
		Presence: PresenceConfig{
			CursorThrottle: 16 * time.Millisecond,
			TypingExpiry:   3 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay:  time.Second,
			BackoffFactor: 2,
			MaxDelay:      30 * time.Second,
			JitterRange:   0.1,
			MaxAttempts:   10,
			GraceTimeout:  5 * time.Second,
		},
		Backup: BackupConfig{
			Interval:    30 * time.Second,
			HistorySize: 10,
			Compress:    &compress,
		},
	}
}

// duration decodes TOML strings like "40ms" or "1.5s".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// fileConfig is the on-disk schema; durations are written as strings.
type fileConfig struct {
	Engine struct {
		DebounceWindow duration `toml:"debounce_window"`
	} `toml:"engine"`
	Presence struct {
		CursorThrottle duration `toml:"cursor_throttle"`
		TypingExpiry   duration `toml:"typing_expiry"`
	} `toml:"presence"`
	Reconnect struct {
		InitialDelay  duration `toml:"initial_delay"`
		BackoffFactor float64  `toml:"backoff_factor"`
		MaxDelay      duration `toml:"max_delay"`
		JitterRange   float64  `toml:"jitter_range"`
		MaxAttempts   int      `toml:"max_attempts"`
		GraceTimeout  duration `toml:"grace_timeout"`
	} `toml:"reconnect"`
	Backup struct {
		Interval    duration `toml:"interval"`
		HistorySize int      `toml:"history_size"`
		Compress    *bool    `toml:"compress"`
	} `toml:"backup"`
}

// LoadConfig reads a TOML config file and fills unset fields with
// defaults. A missing file is not an error; defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded fileConfig
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	merged := Config{
		Engine: EngineConfig{DebounceWindow: time.Duration(loaded.Engine.DebounceWindow)},
		Presence: PresenceConfig{
			CursorThrottle: time.Duration(loaded.Presence.CursorThrottle),
			TypingExpiry:   time.Duration(loaded.Presence.TypingExpiry),
		},
		Reconnect: ReconnectConfig{
			InitialDelay:  time.Duration(loaded.Reconnect.InitialDelay),
			BackoffFactor: loaded.Reconnect.BackoffFactor,
			MaxDelay:      time.Duration(loaded.Reconnect.MaxDelay),
			JitterRange:   loaded.Reconnect.JitterRange,
			MaxAttempts:   loaded.Reconnect.MaxAttempts,
			GraceTimeout:  time.Duration(loaded.Reconnect.GraceTimeout),
		},
		Backup: BackupConfig{
			Interval:    time.Duration(loaded.Backup.Interval),
			HistorySize: loaded.Backup.HistorySize,
			Compress:    loaded.Backup.Compress,
		},
	}
	merged.fillDefaults()
	return merged, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Engine.DebounceWindow <= 0 {
		c.Engine.DebounceWindow = def.Engine.DebounceWindow
	}
	if c.Presence.CursorThrottle <= 0 {
		c.Presence.CursorThrottle = def.Presence.CursorThrottle
	}
	if c.Presence.TypingExpiry <= 0 {
		c.Presence.TypingExpiry = def.Presence.TypingExpiry
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = def.Reconnect.InitialDelay
	}
	if c.Reconnect.BackoffFactor <= 0 {
		c.Reconnect.BackoffFactor = def.Reconnect.BackoffFactor
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Reconnect.JitterRange < 0 {
		c.Reconnect.JitterRange = def.Reconnect.JitterRange
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.GraceTimeout <= 0 {
		c.Reconnect.GraceTimeout = def.Reconnect.GraceTimeout
	}
	if c.Backup.Interval <= 0 {
		c.Backup.Interval = def.Backup.Interval
	}
	if c.Backup.HistorySize <= 0 {
		c.Backup.HistorySize = def.Backup.HistorySize
	}
	if c.Backup.Compress == nil {
		c.Backup.Compress = def.Backup.Compress
	}
}
