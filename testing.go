package tsunami

import (
	"time"
)

// A config with short intervals, for tests that run whole swarms.
func TestingConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.ChokeInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.DialTimeout = 5 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	cfg.StalledAfter = 0
	//cfg.Debug = true
	return cfg
}
