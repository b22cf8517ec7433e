package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every configuration parameter the pipeline consumes, loaded
// once at startup and passed explicitly into the components that need it.
type Config struct {
	// Server
	ServerHost string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`

	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBLogLevel string `envconfig:"DB_LOG_LEVEL" default:"warn"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Cache
	CacheEnabled  bool   `envconfig:"CACHE_ENABLED" default:"true"`
	CacheType     string `envconfig:"CACHE_TYPE" default:"memory"`
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Metrics
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// Remote processing service. Endpoint templates contain a {task_id}
	// placeholder substituted with the transaction token at call time.
	APIBaseURL       string `envconfig:"API_BASE_URL" required:"true"`
	HealthEndpoint   string `envconfig:"API_HEALTH_ENDPOINT" default:"/api/health"`
	UploadEndpoint   string `envconfig:"API_UPLOAD_ENDPOINT" default:"/api/upload"`
	StatusEndpoint   string `envconfig:"API_STATUS_ENDPOINT" default:"/api/status/{task_id}"`
	DownloadEndpoint string `envconfig:"API_DOWNLOAD_ENDPOINT" default:"/api/download/{task_id}"`
	NotifyEndpoint   string `envconfig:"API_NOTIFY_ENDPOINT" default:"/api/notify/{task_id}"`
	RefreshEndpoint  string `envconfig:"API_REFRESH_ENDPOINT" default:"/auth/refresh"`
	ClientID         string `envconfig:"API_CLIENT_ID" required:"true"`
	MaxRetries       int    `envconfig:"API_MAX_RETRIES" default:"3"`
	RequestTimeout   int    `envconfig:"API_REQUEST_TIMEOUT_SECONDS" default:"120"`
	SkipHealthCheck  bool   `envconfig:"API_SKIP_HEALTH_CHECK" default:"false"`
	RemoteDoneStatus string `envconfig:"API_REMOTE_DONE_STATUS" default:"COMPLETED"`
	RemoteFailStatus string `envconfig:"API_REMOTE_FAIL_STATUS" default:"FAILED"`

	// Master secret for AES-GCM encryption of stored tokens (hex, 32 bytes).
	CredentialKey string `envconfig:"CREDENTIAL_KEY" required:"true"`

	// Working directory per pipeline stage. Directory names are local
	// convention; one directory per stage with move-not-copy handoff is
	// the contract.
	ImportDir     string `envconfig:"DIR_IMPORT" default:"data/import"`
	ProcessingDir string `envconfig:"DIR_PROCESSING" default:"data/processing"`
	DeidentDir    string `envconfig:"DIR_DEIDENT" default:"data/deident"`
	ArchiveDir    string `envconfig:"DIR_ARCHIVE" default:"data/archive"`
	DownloadDir   string `envconfig:"DIR_DOWNLOAD" default:"data/download"`
	ExportDir     string `envconfig:"DIR_EXPORT" default:"data/export"`

	// Acquisition modalities admitted into the pipeline.
	AllowedModalities string `envconfig:"ALLOWED_MODALITIES" default:"CT,MR,PT,US"`

	// Stage scheduling
	ScanIntervalSeconds int `envconfig:"SCAN_INTERVAL_SECONDS" default:"60"`
	PollIntervalSeconds int `envconfig:"POLL_INTERVAL_SECONDS" default:"120"`
}

// Load reads configuration from the environment, honoring a .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &c, nil
}

// Validate checks cross-field constraints that envconfig tags cannot express.
func (c *Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("API_MAX_RETRIES must be at least 1")
	}
	if len(c.CredentialKey) != 64 {
		return fmt.Errorf("CREDENTIAL_KEY must be 32 bytes hex-encoded")
	}
	for _, tmpl := range []string{c.StatusEndpoint, c.DownloadEndpoint, c.NotifyEndpoint} {
		if !strings.Contains(tmpl, "{task_id}") {
			return fmt.Errorf("endpoint template %q missing {task_id} placeholder", tmpl)
		}
	}
	return nil
}

// DSN returns the PostgreSQL data source name.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// Modalities returns the allow-listed modality values.
func (c *Config) Modalities() []string {
	parts := strings.Split(c.AllowedModalities, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
