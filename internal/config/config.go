package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string
	HTTPAddr     string

	SnowflakeNodeID int64

	DBType            string
	DBDSN             string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBLogLevel        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Raw RawSourceConfig

	BillingConfigFile string

	MetricsPush MetricsPushConfig
}

// MetricsPushConfig selects where short-lived CLI runs push their metrics.
// An empty Exporter disables pushing.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// RawSourceConfig locates the staged raw usage batches.
type RawSourceConfig struct {
	Kind         string
	Dir          string
	Bucket       string
	Prefix       string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

const (
	RawSourceFile = "file"
	RawSourceS3   = "s3"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_NAME", "meterflow"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("APP_ENV", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		SnowflakeNodeID:   getenvInt64("SNOWFLAKE_NODE_ID", 1),
		DBType:            getenv("DB_TYPE", "postgres"),
		DBDSN:             strings.TrimSpace(getenv("DB_DSN", "")),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "meterflow"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DB_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DB_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DB_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DB_CONN_MAX_IDLE_TIME", 300)),
		DBLogLevel:        getenv("DB_LOG_LEVEL", "warn"),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           int(getenvInt64("REDIS_DB", 0)),
		Raw: RawSourceConfig{
			Kind:         normalizeRawSource(getenv("RAW_SOURCE", RawSourceFile)),
			Dir:          getenv("RAW_DIR", "./data/raw/usage_events"),
			Bucket:       strings.TrimSpace(getenv("S3_BUCKET", "")),
			Prefix:       strings.Trim(getenv("S3_PREFIX", "raw/usage_events"), "/"),
			Endpoint:     strings.TrimSpace(getenv("S3_ENDPOINT", "")),
			Region:       getenv("S3_REGION", "us-east-1"),
			AccessKey:    strings.TrimSpace(getenv("S3_ACCESS_KEY", "")),
			SecretKey:    strings.TrimSpace(getenv("S3_SECRET_KEY", "")),
			UsePathStyle: getenvBool("S3_USE_PATH_STYLE", true),
		},
		BillingConfigFile: strings.TrimSpace(getenv("BILLING_CONFIG_FILE", "")),
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_TOKEN", "")),
		},
	}

	return cfg
}

// IsProduction reports whether the process runs in a production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeRawSource(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RawSourceS3:
		return RawSourceS3
	default:
		return RawSourceFile
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
