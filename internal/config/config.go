// Package config loads replay engine configuration from the process
// environment, aggregating every missing or invalid variable into one
// error the way relay.LoadConfig does, instead of failing on the first
// problem found.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Config holds the environment-derived settings a replay run needs.
type Config struct {
	// LogRoot is the local disk convention directory segments are
	// looked up in before falling back to the remote endpoint.
	LogRoot string
	// DataCacheDir is where fetched segment files are cached on disk.
	DataCacheDir string
	// AllowTags is the subscribed-tags set from ALLOW (comma-separated
	// message/socket names, e.g. "can,controlsState"); empty means
	// every tag is subscribed. BlockTags is the subtract set from
	// BLOCK, applied after AllowTags. Both name wire.Which values.
	AllowTags []string
	BlockTags []string
	// RemoteBaseURL is the HTTPS route-info endpoint.
	RemoteBaseURL string
	// JWTSecret signs the bearer token used to authenticate against
	// RemoteBaseURL.
	JWTSecret string
	// DatabaseURL, if set, enables the optional Postgres route cache.
	DatabaseURL string
}

// Load reads configuration from the environment. LOG_ROOT defaults to
// $HOME/.comma/media/0/realdata the way the original data convention
// does; everything else is optional except where noted.
func Load() (*Config, error) {
	var errs []string

	logRoot := os.Getenv("LOG_ROOT")
	if logRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			errs = append(errs, fmt.Sprintf("LOG_ROOT not set and $HOME unavailable: %v", err))
		} else {
			logRoot = filepath.Join(home, ".comma", "media", "0", "realdata")
		}
	}

	cacheDir := os.Getenv("DATA_CACHE_DIR")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			errs = append(errs, fmt.Sprintf("DATA_CACHE_DIR not set and $HOME unavailable: %v", err))
		} else {
			cacheDir = filepath.Join(home, ".comma", "replay_cache")
		}
	}

	cfg := &Config{
		LogRoot:       logRoot,
		DataCacheDir:  cacheDir,
		AllowTags:     splitList(os.Getenv("ALLOW")),
		BlockTags:     splitList(os.Getenv("BLOCK")),
		RemoteBaseURL: os.Getenv("ROUTE_API_BASE_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
	}

	if os.Getenv("PANDA_NO_RETRY") != "" {
		log.Printf("[config] PANDA_NO_RETRY set but not applicable to replay (no live panda connection); ignoring")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration errors: %v", errs)
	}

	log.Printf("[config] LOG_ROOT=%s DATA_CACHE_DIR=%s ROUTE_API_BASE_URL=%q", cfg.LogRoot, cfg.DataCacheDir, cfg.RemoteBaseURL)
	return cfg, nil
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(val); i++ {
		if i == len(val) || val[i] == ',' {
			if i > start {
				out = append(out, val[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Subscribed reports whether tag (a wire.Which value, passed as a plain
// string so this package doesn't need to import wire) should be
// published: in AllowTags (or AllowTags is empty, meaning every tag is
// subscribed), and not in BlockTags, BLOCK's subtract set applying
// after ALLOW.
func (c *Config) Subscribed(tag string) bool {
	for _, b := range c.BlockTags {
		if b == tag {
			return false
		}
	}
	if len(c.AllowTags) == 0 {
		return true
	}
	for _, a := range c.AllowTags {
		if a == tag {
			return true
		}
	}
	return false
}
