// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Env     string
	Port    string
	LogFile string

	DBType      string
	DatabaseURL string

	JWTSecret      string
	AllowedOrigins []string

	DiscoveryRadiusMeters    float64
	MaxDiscoveryRadiusMeters float64
	DisputeWindow            time.Duration
	SweepInterval            time.Duration
	MaxReward                int64
	DefaultCurrency          string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	UploadURLTTL      time.Duration

	PushMaxRetries uint64
}

// Load reads a .env file if one exists and then builds a Config from the
// process environment. Variables already set in the environment win over
// the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:     getenv("ENV", "development"),
		Port:    getenv("PORT", "8080"),
		LogFile: getenv("LOG_FILE", "server.log"),

		DBType:    getenv("DB_TYPE", "postgres"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		DefaultCurrency: strings.ToUpper(getenv("DEFAULT_CURRENCY", "KRW")),

		RedisAddr:     strings.ReplaceAll(os.Getenv("REDIS_ADDR"), " ", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          getenv("S3_REGION", "auto"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	var err error
	if cfg.DiscoveryRadiusMeters, err = getFloat("DISCOVERY_RADIUS_METERS", 5000); err != nil {
		return nil, err
	}
	if cfg.MaxDiscoveryRadiusMeters, err = getFloat("MAX_DISCOVERY_RADIUS_METERS", 50000); err != nil {
		return nil, err
	}
	if cfg.DisputeWindow, err = getDuration("DISPUTE_WINDOW", 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.UploadURLTTL, err = getDuration("UPLOAD_URL_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxReward, err = getInt("MAX_REWARD", 1_000_000); err != nil {
		return nil, err
	}
	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = int(redisDB)
	retries, err := getInt("PUSH_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	if retries < 0 {
		return nil, fmt.Errorf("PUSH_MAX_RETRIES must not be negative")
	}
	cfg.PushMaxRetries = uint64(retries)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.DBType == "postgres" {
		host := os.Getenv("DB_HOST")
		name := os.Getenv("DB_NAME")
		user := os.Getenv("DB_USER")
		if host != "" && name != "" && user != "" {
			cfg.DatabaseURL = fmt.Sprintf(
				"postgres://%s:%s@%s:%s/%s?sslmode=disable",
				user, os.Getenv("DB_PASSWORD"), host, getenv("DB_PORT", "5432"), name,
			)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	switch c.DBType {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database connection details missing: set DATABASE_URL or DB_* variables")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.DBType)
	}
	if c.DiscoveryRadiusMeters <= 0 || c.MaxDiscoveryRadiusMeters < c.DiscoveryRadiusMeters {
		return fmt.Errorf("discovery radius %.0f must be positive and at most %.0f",
			c.DiscoveryRadiusMeters, c.MaxDiscoveryRadiusMeters)
	}
	if c.MaxReward <= 0 {
		return errors.New("MAX_REWARD must be positive")
	}
	if c.DisputeWindow <= 0 || c.SweepInterval <= 0 {
		return errors.New("DISPUTE_WINDOW and SWEEP_INTERVAL must be positive")
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UploadsEnabled reports whether enough S3 settings are present to presign uploads.
func (c *Config) UploadsEnabled() bool {
	return c.S3Bucket != ""
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int64) (int64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(s, "_", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, def float64) (float64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// getDuration accepts Go duration strings ("90m") or a bare number of seconds.
func getDuration(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
