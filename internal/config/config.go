// Package config holds the process settings (from environment) and the
// per-session user configuration carried through resolve/rebuild calls.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide settings. Load from env; call LoadEnvFile
// before Load() to use a .env file.
type Config struct {
	// DataDir is where per-session sqlite files live.
	DataDir string
	// ListenAddr serves /metrics and /healthz.
	ListenAddr string
	// DefaultUserAgent is injected into playlist stream headers when no
	// layer of the entry resolves one.
	DefaultUserAgent string
	// TimezoneOffset formats guide times for display ("+2:00" form).
	TimezoneOffset string
	// FetchTimeout bounds playlist and remap fetches; guide documents use
	// EPGFetchTimeout (they are much larger).
	FetchTimeout    time.Duration
	EPGFetchTimeout time.Duration
}

// Load reads process config from the environment.
func Load() *Config {
	c := &Config{
		DataDir:          getEnv("TVMUX_DATA_DIR", "./data"),
		ListenAddr:       getEnv("TVMUX_LISTEN_ADDR", ":9160"),
		DefaultUserAgent: getEnv("TVMUX_DEFAULT_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		TimezoneOffset:   getEnv("TIMEZONE_OFFSET", "+2:00"),
		FetchTimeout:     getEnvDuration("TVMUX_FETCH_TIMEOUT", 30*time.Second),
		EPGFetchTimeout:  getEnvDuration("TVMUX_EPG_FETCH_TIMEOUT", 100*time.Second),
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.EPGFetchTimeout <= 0 {
		c.EPGFetchTimeout = 100 * time.Second
	}
	return c
}

// LoadUser reads the default session's user configuration from the
// environment. Empty when none is set; a daemon with no default session
// only serves explicitly resolved ones.
func LoadUser() UserConfig {
	return UserConfig{
		M3UURL:         os.Getenv("TVMUX_M3U_URL"),
		EPGURL:         os.Getenv("TVMUX_EPG_URL"),
		EPGEnabled:     getEnvBool("TVMUX_EPG_ENABLED", os.Getenv("TVMUX_EPG_URL") != ""),
		Proxy:          os.Getenv("TVMUX_PROXY"),
		IDSuffix:       os.Getenv("TVMUX_ID_SUFFIX"),
		RemapperPath:   os.Getenv("TVMUX_REMAPPER_PATH"),
		UpdateInterval: os.Getenv("TVMUX_UPDATE_INTERVAL"),
		ResolverScript: os.Getenv("TVMUX_RESOLVER_SCRIPT"),
		ScriptURL:      os.Getenv("TVMUX_SCRIPT_URL"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}
