// Package common holds functions and structs that are used throughout all other
// packages in this repository.
// It mainly provides the shared logger, the failure taxonomy, and utils functions.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EnvDataDir overrides the location of the toolmux data directory.
const EnvDataDir = "TOOLMUX_DATA_DIR"

// EnvDebug enables debug-level diagnostic logging when set to a non-empty value.
const EnvDebug = "TOOLMUX_DEBUG"

// EnvEmbedModel overrides the embedding model used for the capability index.
const EnvEmbedModel = "TOOLMUX_EMBED_MODEL"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DataDir returns the toolmux data directory (~/.toolmux by default,
// overridable via TOOLMUX_DATA_DIR).
func DataDir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".toolmux"), nil
}

// LogsDir returns the directory holding diagnostic and downstream stderr logs.
func LogsDir() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "logs"), nil
}

// IsValidName checks whether a downstream or profile name is well formed.
// Names must consist of alphanumerics, dash, or underscore only so they can be
// safely embedded in display names and file paths.
func IsValidName(name string) bool {
	return namePattern.MatchString(name)
}

// NewRequestID returns a fresh UUIDv7 string, falling back to a
// timestamp-based identifier if the random source is unavailable.
func NewRequestID() string {
	result := ""
	if id, err := uuid.NewV7(); err == nil {
		result = id.String()
	}
	if result == "" {
		result = fmt.Sprintf("req_%d", time.Now().UnixMicro())
	}
	return result
}

// GetSecondsFromInt returns a duration (in seconds) for a provided int value.
func GetSecondsFromInt(i int) time.Duration {
	return time.Duration(i) * time.Second
}
