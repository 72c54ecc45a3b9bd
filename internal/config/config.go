package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/env"
	"github.com/sentinelfleet/sentinel/pkg/fsutil"
	"github.com/sentinelfleet/sentinel/pkg/tokens"
)

// Store subdirectories under the FTS data directory. The delta caches
// mirror the store trees and hold cached .xdiff patches.
const (
	PublicStoreDir    = "publicStore"
	UserStoreDir      = "usrStore"
	PublicDeltaCache  = "publicDeltaCache"
	UserDeltaCacheDir = "usrDeltaCache"
)

// Config holds the application configuration
type Config struct {
	Host     string
	Port     int
	FTSDir   string
	ServerID string // regenerated every boot; invalidates tokens across restarts

	// Free-space floor for the store volume, in megabytes. Uploads are
	// rejected once free space falls to or below this value.
	SpaceThresholdMB uint64

	TokenExpiry   time.Duration
	PingTimeout   time.Duration
	SweepInterval time.Duration
	MgmtExpiry    time.Duration

	// Cron spec for the periodic checksum-index rescan.
	RescanSpec string

	// xdelta3 binary used for applying binary patches.
	DeltaBinary string

	PrivateKeyPath string
	PublicKeyPath  string
}

// New builds a Config from the environment, creating the FTS directory
// tree if it is missing.
func New() (*Config, error) {
	ftsDir := env.GetOrDefault("SENTINEL_FTS_DIR", defaultFTSDir())

	for _, sub := range []string{PublicStoreDir, UserStoreDir, PublicDeltaCache, UserDeltaCacheDir} {
		dir := filepath.Join(ftsDir, sub)
		if err := fsutil.EnsureDirectoryExists(dir); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}
	debug.Info("Using FTS directory: %s", ftsDir)

	cfg := &Config{
		Host:             env.GetOrDefault("SENTINEL_HOST", "localhost"),
		Port:             env.GetInt("SENTINEL_PORT", 8480),
		FTSDir:           ftsDir,
		ServerID:         uuid.New().String(),
		SpaceThresholdMB: uint64(env.GetInt("SENTINEL_SPACE_THRESHOLD_MB", 100)),
		TokenExpiry:      env.GetDuration("SENTINEL_TOKEN_EXPIRY", 30*time.Minute),
		PingTimeout:      env.GetDuration("SENTINEL_PING_TIMEOUT", 30*time.Second),
		SweepInterval:    env.GetDuration("SENTINEL_SWEEP_INTERVAL", 500*time.Millisecond),
		MgmtExpiry:       env.GetDuration("SENTINEL_MGMT_TOKEN_EXPIRY", time.Hour),
		RescanSpec:       env.GetOrDefault("SENTINEL_RESCAN_SPEC", "@hourly"),
		DeltaBinary:      env.GetOrDefault("SENTINEL_DELTA_BINARY", "xdelta3"),
		PrivateKeyPath:   env.GetOrDefault("SENTINEL_PRIVATE_KEY", filepath.Join(configDir(), "signing_key.pem")),
		PublicKeyPath:    env.GetOrDefault("SENTINEL_PUBLIC_KEY", filepath.Join(configDir(), "signing_key.pub.pem")),
	}

	return cfg, nil
}

func configDir() string {
	if dir := os.Getenv("SENTINEL_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel"
	}
	return filepath.Join(home, ".sentinel")
}

func defaultFTSDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel-fts"
	}
	return filepath.Join(home, ".sentinel-fts")
}

// GetAddress returns the full address for the server to listen on
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PublicStore returns the root of the public store tree.
func (c *Config) PublicStore() string {
	return filepath.Join(c.FTSDir, PublicStoreDir)
}

// UserStore returns the private store root for one user.
func (c *Config) UserStore(username string) string {
	return filepath.Join(c.FTSDir, UserStoreDir, username)
}

// LoadOrCreateAuthority loads the ECDSA signing key pair, generating and
// persisting a fresh P-384 pair on first boot.
func (c *Config) LoadOrCreateAuthority() (*tokens.Authority, error) {
	if !fsutil.FileExists(c.PrivateKeyPath) || !fsutil.FileExists(c.PublicKeyPath) {
		debug.Info("No signing key pair found, generating one at %s", c.PrivateKeyPath)

		if err := fsutil.EnsureDirectoryExists(filepath.Dir(c.PrivateKeyPath)); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}

		privPEM, pubPEM, err := tokens.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(c.PrivateKeyPath, privPEM, 0600); err != nil {
			return nil, fmt.Errorf("failed to write private key: %w", err)
		}
		if err := os.WriteFile(c.PublicKeyPath, pubPEM, 0644); err != nil {
			return nil, fmt.Errorf("failed to write public key: %w", err)
		}
	}

	return tokens.LoadAuthority(c.PrivateKeyPath, c.PublicKeyPath, c.ServerID)
}
