// Package config holds the client-side configuration of the update loader:
// where manifests are served from, which scope the device follows and where
// downloaded updates are kept on disk.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skybundle/skybundle/client/internal/status"
	"github.com/skybundle/skybundle/util"
)

const (
	// DefaultRequestTimeout bounds a single manifest or asset request
	DefaultRequestTimeout = 60 * time.Second

	updatesDirName = "updates"
	storeDirName   = "catalog"
)

// Config Configuration type
type Config struct {
	// UpdateURL is the endpoint serving update manifests for this app
	UpdateURL string
	// ScopeKey partitions updates by the app/channel the device follows
	ScopeKey string
	// RuntimeVersion is the native runtime the installed app exposes;
	// manifests targeting an incompatible runtime are rejected
	RuntimeVersion string
	// DataDir is the root directory for the catalog DB and downloaded assets
	DataDir string
	// RequestTimeout bounds a single manifest or asset request
	RequestTimeout time.Duration
	// SkipAssetKeys lists asset keys the runtime provides by itself; those
	// are never fetched by the loader
	SkipAssetKeys []string
}

// UpdatesDir returns the directory downloaded assets are materialized into.
func (c *Config) UpdatesDir() string {
	return filepath.Join(c.DataDir, updatesDirName)
}

// StoreDir returns the directory the catalog database lives in.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, storeDirName)
}

// Validate checks that the config carries everything a remote update run needs.
func (c *Config) Validate() error {
	if c.UpdateURL == "" {
		return status.Errorf(status.InvalidArgument, "update URL is required")
	}
	if _, err := url.ParseRequestURI(c.UpdateURL); err != nil {
		return status.Errorf(status.InvalidArgument, "invalid update URL %q: %v", c.UpdateURL, err)
	}
	if c.ScopeKey == "" {
		return status.Errorf(status.InvalidArgument, "scope key is required")
	}
	if c.DataDir == "" {
		return status.Errorf(status.InvalidArgument, "data dir is required")
	}
	return nil
}

// ReadConfig read config file and return with Config. If it does not exist create a new one with default values
func ReadConfig(configPath string) (*Config, error) {
	if configFileIsExists(configPath) {
		config := &Config{}
		if _, err := util.ReadJson(configPath, config); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		if config.RequestTimeout == 0 {
			config.RequestTimeout = DefaultRequestTimeout
		}
		return config, nil
	}

	cfg := &Config{
		RequestTimeout: DefaultRequestTimeout,
		DataDir:        filepath.Dir(configPath),
	}
	log.Infof("generated new config %s", configPath)
	if err := WriteOutConfig(configPath, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteOutConfig write put the prepared config to the given path
func WriteOutConfig(path string, config *Config) error {
	return util.WriteJson(context.Background(), path, config)
}

func configFileIsExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
