// Package config loads daemon settings from the environment.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config carries everything the daemon needs at startup. All values have
// working defaults; a bare `nuttsshd` in a directory holding the two key
// files is a complete deployment.
type Config struct {
	// ListenAddr is the host:port the switchboard binds. The default
	// binds all interfaces on the historical Nuttssh port.
	ListenAddr string
	// HostKeyFile is the path of the SSH host private key.
	HostKeyFile string
	// AuthorizedKeysFile is the path of the client key whitelist. It is
	// re-read for every incoming connection, so edits apply without a
	// restart.
	AuthorizedKeysFile string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the optional .env file and the NUTTSSH_* environment
// variables, applying defaults for anything unset.
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:         getEnv("NUTTSSH_LISTEN_ADDR", ":1878"),
		HostKeyFile:        getEnv("NUTTSSH_HOST_KEY", "ssh_host_key"),
		AuthorizedKeysFile: getEnv("NUTTSSH_AUTHORIZED_KEYS", "authorized_keys"),
		LogLevel:           getEnv("NUTTSSH_LOG_LEVEL", "info"),
		LogFormat:          getEnv("NUTTSSH_LOG_FORMAT", "text"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
