package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override file settings.
const (
	EnvLogLevel        = "CLOUDSNAP_LOG_LEVEL"
	EnvBinDir          = "CLOUDSNAP_BIN_DIR"
	EnvMasterKey       = "CLOUDSNAP_CATALOG_MASTER_KEY"
	EnvDefaultPassword = "CLOUDSNAP_MIGRATION_PASSWORD"
	EnvMetricsAddr     = "CLOUDSNAP_METRICS_ADDR"
	EnvDatabasePort    = "CLOUDSNAP_DATABASE_PORT"
	EnvDatabasePass    = "CLOUDSNAP_DATABASE_PASSWORD"
)

func (c *Config) applyEnv() {
	c.LogLevel = getEnvString(EnvLogLevel, c.LogLevel)
	c.BinDir = getEnvString(EnvBinDir, c.BinDir)
	c.CatalogMasterKey = getEnvString(EnvMasterKey, c.CatalogMasterKey)
	c.Migration.DefaultPassword = getEnvString(EnvDefaultPassword, c.Migration.DefaultPassword)
	c.MetricsAddr = getEnvString(EnvMetricsAddr, c.MetricsAddr)
	c.Database.Password = getEnvString(EnvDatabasePass, c.Database.Password)

	port := getEnvInt(EnvDatabasePort, c.Database.Port)
	if port >= 0 {
		c.Database.Port = port
	}
}

// getEnvString reads a string from an environment variable, returning the default if unset.
func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
