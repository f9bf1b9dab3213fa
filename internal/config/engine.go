// Package config loads the engine configuration: the relays to pool and the
// timings of the query lifecycle.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"nostr-engine/internal/types"
)

// Duration is a time.Duration that reads "5s" style strings from JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// plain numbers are milliseconds
		var ms int64
		if err2 := json.Unmarshal(data, &ms); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// EngineConfig represents the engine.json configuration
type EngineConfig struct {
	Relays map[string]types.RelaySettings `json:"relays"`

	CancelGrace          Duration `json:"cancelGrace"`
	ReaperInterval       Duration `json:"reaperInterval"`
	FetchTimeout         Duration `json:"fetchTimeout"`
	MetadataInterval     Duration `json:"metadataInterval"`
	MetadataFetchTimeout Duration `json:"metadataFetchTimeout"`
	ProfileCacheExpire   Duration `json:"profileCacheExpire"`

	ListenAddr string `json:"listenAddr"`
}

var (
	engineConfig     *EngineConfig
	engineConfigMu   sync.RWMutex
	engineConfigOnce sync.Once
)

// Get returns the current engine configuration (thread-safe)
func Get() *EngineConfig {
	engineConfigOnce.Do(func() {
		engineConfigMu.Lock()
		defer engineConfigMu.Unlock()
		if engineConfig == nil {
			engineConfig = Load(Path())
		}
	})

	engineConfigMu.RLock()
	defer engineConfigMu.RUnlock()
	return engineConfig
}

// Reload reloads the configuration from file
func Reload() {
	newConfig := Load(Path())
	engineConfigMu.Lock()
	engineConfig = newConfig
	engineConfigMu.Unlock()
	slog.Info("engine configuration reloaded", "relays", len(newConfig.Relays))
}

// Path returns the config file location, ENGINE_CONFIG or config/engine.json
func Path() string {
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		return p
	}
	return "config/engine.json"
}

// Load reads path and fills every unset field from the defaults. A missing or
// invalid file yields the defaults.
func Load(path string) *EngineConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read config, using defaults", "path", path, "error", err)
		}
		return Default()
	}

	var cfg EngineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", path, "error", err)
		return Default()
	}
	cfg.applyDefaults()

	slog.Info("loaded engine configuration", "path", path, "relays", len(cfg.Relays))
	return &cfg
}

func (c *EngineConfig) applyDefaults() {
	d := Default()
	if len(c.Relays) == 0 {
		c.Relays = d.Relays
	}
	setIfZero(&c.CancelGrace, d.CancelGrace)
	setIfZero(&c.ReaperInterval, d.ReaperInterval)
	setIfZero(&c.FetchTimeout, d.FetchTimeout)
	setIfZero(&c.MetadataInterval, d.MetadataInterval)
	setIfZero(&c.MetadataFetchTimeout, d.MetadataFetchTimeout)
	setIfZero(&c.ProfileCacheExpire, d.ProfileCacheExpire)
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
}

func setIfZero(dst *Duration, def Duration) {
	if *dst <= 0 {
		*dst = def
	}
}

// Default returns the built-in configuration
func Default() *EngineConfig {
	return &EngineConfig{
		Relays: map[string]types.RelaySettings{
			"wss://relay.semaphore.life": {Read: true, Write: true},
			"wss://relay.snort.social":   {Read: true, Write: false},
			"wss://nostr.wine":           {Read: true, Write: false},
		},
		CancelGrace:          Duration(5 * time.Second),
		ReaperInterval:       Duration(1 * time.Second),
		FetchTimeout:         Duration(10 * time.Second),
		MetadataInterval:     Duration(500 * time.Millisecond),
		MetadataFetchTimeout: Duration(5 * time.Second),
		ProfileCacheExpire:   Duration(30 * time.Minute),
		ListenAddr:           ":8080",
	}
}
