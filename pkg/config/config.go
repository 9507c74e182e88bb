// Package config loads deployment-time overrides for the otherwise-fixed
// protocol constants (window size, timer durations, instance limit).
// These are tuning knobs, not adaptive flow control — the window and
// timers are still fixed for the lifetime of a connection once the
// service starts (§1 Non-goals). Grounded on the teacher's od_parser.go,
// which loads CANopen object dictionaries from the same gopkg.in/ini.v1
// format.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the tunable protocol constants from §3/§4.4/§4.5/§4.3.
type Config struct {
	Window              int
	T1                  time.Duration
	T2                  time.Duration
	T3                  time.Duration
	ReceiverTimeout     time.Duration
	MaxConnections      int
}

// Default returns the spec's fixed constants: N=5, T1=T2=5s, T3=10s,
// receiver idle timeout 10s, MAX_CONNECTIONS=5.
func Default() Config {
	return Config{
		Window:          5,
		T1:              5 * time.Second,
		T2:              5 * time.Second,
		T3:              10 * time.Second,
		ReceiverTimeout: 10 * time.Second,
		MaxConnections:  5,
	}
}

// Load reads overrides from an INI file's [xdt] section:
//
//	[xdt]
//	window = 5
//	t1_ms = 5000
//	t2_ms = 5000
//	t3_ms = 10000
//	receiver_timeout_ms = 10000
//	max_connections = 5
//
// An empty path, or keys absent from the file, fall back to Default().
// A path naming a file that is missing or malformed is an error (§7:
// config errors are fatal at startup).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return Config{}, err
	}

	section := file.Section("xdt")
	cfg.Window = section.Key("window").MustInt(cfg.Window)
	cfg.T1 = time.Duration(section.Key("t1_ms").MustInt(int(cfg.T1.Milliseconds()))) * time.Millisecond
	cfg.T2 = time.Duration(section.Key("t2_ms").MustInt(int(cfg.T2.Milliseconds()))) * time.Millisecond
	cfg.T3 = time.Duration(section.Key("t3_ms").MustInt(int(cfg.T3.Milliseconds()))) * time.Millisecond
	cfg.ReceiverTimeout = time.Duration(section.Key("receiver_timeout_ms").MustInt(int(cfg.ReceiverTimeout.Milliseconds()))) * time.Millisecond
	cfg.MaxConnections = section.Key("max_connections").MustInt(cfg.MaxConnections)

	return cfg, nil
}
