package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Docker
	DockerHost      string // optional daemon address override
	ContainerPrefix string
	DefaultImage    string

	// Courses
	CourseDir string

	// SQL backends
	SQLUser         string
	SQLDatabase     string
	SQLReadyTimeout time.Duration

	// Progress persistence
	ProgressDSN string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8088)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	// Docker
	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.ContainerPrefix = getEnv("CONTAINER_PREFIX", "courselab")
	cfg.DefaultImage = getEnv("CONTAINER_IMAGE", "kwdb/kwdb:latest")

	// Courses
	cfg.CourseDir = getEnv("COURSE_DIR", "./courses")

	// SQL backends
	cfg.SQLUser = getEnv("SQL_USER", "root")
	cfg.SQLDatabase = getEnv("SQL_DATABASE", "defaultdb")
	cfg.SQLReadyTimeout = getEnvDuration("SQL_READY_TIMEOUT", 60*time.Second)

	// Progress persistence
	cfg.ProgressDSN = getEnv("PROGRESS_DSN", "./progress.db")

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
