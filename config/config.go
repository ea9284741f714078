package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// Logging and tracing
	LogLevel string
	Tracing  string

	// AWS
	AWSRegion       string
	BucketPrefix    string
	InstanceProfile string
	ImageID         string
	ImagePattern    string

	// SSH access
	SSHUser         string
	SSHCIDR         string
	KeyDir          string
	KeyName         string
	KeyPath         string
	SecurityGroupID string
	KnownHostsPath  string

	// Provisioning
	PollInterval       time.Duration
	ProvisionTimeout   time.Duration
	MaxAttempts        int
	PricingConcurrency int
	CatalogTTL         time.Duration
	SupervisorInterval time.Duration

	WorkDir string
}

// Load loads configuration from environment variables
func Load() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	stateDir := filepath.Join(home, ".spotrun")

	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://"+filepath.Join(stateDir, "state.db")),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Tracing:  getEnv("TRACING", "none"),

		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		BucketPrefix:    getEnv("SPOTRUN_BUCKET_PREFIX", "spotrun"),
		InstanceProfile: getEnv("SPOTRUN_INSTANCE_PROFILE", ""),
		ImageID:         getEnv("SPOTRUN_IMAGE_ID", ""),
		ImagePattern:    getEnv("SPOTRUN_IMAGE_PATTERN", ""),

		SSHUser:         getEnv("SPOTRUN_SSH_USER", "ec2-user"),
		SSHCIDR:         getEnv("SPOTRUN_SSH_CIDR", "0.0.0.0/0"),
		KeyDir:          getEnv("SPOTRUN_KEY_DIR", filepath.Join(stateDir, "keys")),
		KeyName:         getEnv("SPOTRUN_KEY_NAME", ""),
		KeyPath:         getEnv("SPOTRUN_KEY_PATH", ""),
		SecurityGroupID: getEnv("SPOTRUN_SECURITY_GROUP", ""),
		KnownHostsPath:  getEnv("SPOTRUN_KNOWN_HOSTS", ""),

		PollInterval:       getDuration("SPOTRUN_POLL_INTERVAL", 5*time.Second),
		ProvisionTimeout:   getDuration("SPOTRUN_PROVISION_TIMEOUT", 10*time.Minute),
		MaxAttempts:        getInt("SPOTRUN_MAX_ATTEMPTS", 3),
		PricingConcurrency: getInt("SPOTRUN_PRICING_CONCURRENCY", 8),
		CatalogTTL:         getDuration("SPOTRUN_CATALOG_TTL", time.Hour),
		SupervisorInterval: getDuration("SPOTRUN_SUPERVISOR_INTERVAL", 30*time.Second),

		WorkDir: getEnv("SPOTRUN_WORK_DIR", filepath.Join(stateDir, "build")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", value).Int("default", defaultValue).Msg("invalid integer, using default")
		return defaultValue
	}
	return n
}
