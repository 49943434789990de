// Package config reads runtime configuration from environment variables
// with sane defaults.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmail/crypto"
)

// Config contains runtime configuration values for the meshmail core.
type Config struct {
	// RelayNodeID is the well-known transport endpoint of the pairing
	// relay.
	RelayNodeID string
	// AuthorityNodeID is the transport endpoint of the provisioning
	// authority.
	AuthorityNodeID string
	// AuthorityRoot is the identity authority's trust-root public key.
	AuthorityRoot [crypto.KeySize]byte
	// LogLevel is the logrus level name.
	LogLevel string
}

// Load reads configuration from environment variables. The authority
// root key is required; everything else defaults.
func Load() (Config, error) {
	cfg := Config{
		RelayNodeID:     getEnv("MESHMAIL_RELAY_NODE", "node-pairing-relay"),
		AuthorityNodeID: getEnv("MESHMAIL_AUTHORITY_NODE", "node-provisioning-authority"),
		LogLevel:        getEnv("MESHMAIL_LOG_LEVEL", "info"),
	}

	rootHex := os.Getenv("MESHMAIL_AUTHORITY_ROOT")
	if rootHex == "" {
		return Config{}, fmt.Errorf("MESHMAIL_AUTHORITY_ROOT is required")
	}
	root, err := hex.DecodeString(rootHex)
	if err != nil || len(root) != crypto.KeySize {
		return Config{}, fmt.Errorf("MESHMAIL_AUTHORITY_ROOT must be %d hex-encoded bytes", crypto.KeySize)
	}
	copy(cfg.AuthorityRoot[:], root)

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid MESHMAIL_LOG_LEVEL %q", cfg.LogLevel)
	}

	return cfg, nil
}

// ApplyLogLevel sets the process-wide logrus level from the config.
func (c Config) ApplyLogLevel() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
