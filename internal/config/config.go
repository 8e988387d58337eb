package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "BOARDREADY"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DatabaseDriverSQLite
	defaultDatabasePath     = "boardready.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCookieName       = "app_session"
	defaultIssuer           = "mprlab-auth"
	defaultStorageDriver    = StorageDriverMemory
	defaultMinioBucket      = "boardready-artifacts"
	defaultUploadsPerMinute = 30
	defaultMaxPageSize      = 100
	defaultHeartbeat        = 20 * time.Second

	// DatabaseDriverSQLite selects the embedded pure-Go SQLite driver.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects PostgreSQL.
	DatabaseDriverPostgres = "postgres"
	// StorageDriverMemory keeps uploaded artifacts in process memory.
	StorageDriverMemory = "memory"
	// StorageDriverMinio stores uploaded artifacts in a MinIO/S3 bucket.
	StorageDriverMinio = "minio"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	AuthSigningKey string
	AuthIssuer     string
	AuthCookieName string

	StorageDriver  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	RedisAddr        string
	RedisPassword    string
	UploadsPerMinute int

	LockEditsAfterSubmit bool
	MaxPageSize          int
	EventHeartbeat       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("minio.bucket", defaultMinioBucket)
	configViper.SetDefault("minio.use_ssl", false)
	configViper.SetDefault("ratelimit.uploads_per_minute", defaultUploadsPerMinute)
	configViper.SetDefault("devices.lock_edits_after_submit", true)
	configViper.SetDefault("devices.max_page_size", defaultMaxPageSize)
	configViper.SetDefault("events.heartbeat", defaultHeartbeat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		AuthSigningKey:       configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthCookieName:       configViper.GetString("auth.cookie_name"),
		StorageDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		MinioEndpoint:        configViper.GetString("minio.endpoint"),
		MinioAccessKey:       configViper.GetString("minio.access_key"),
		MinioSecretKey:       configViper.GetString("minio.secret_key"),
		MinioBucket:          configViper.GetString("minio.bucket"),
		MinioUseSSL:          configViper.GetBool("minio.use_ssl"),
		RedisAddr:            configViper.GetString("ratelimit.redis_addr"),
		RedisPassword:        configViper.GetString("ratelimit.redis_password"),
		UploadsPerMinute:     configViper.GetInt("ratelimit.uploads_per_minute"),
		LockEditsAfterSubmit: configViper.GetBool("devices.lock_edits_after_submit"),
		MaxPageSize:          configViper.GetInt("devices.max_page_size"),
		EventHeartbeat:       configViper.GetDuration("events.heartbeat"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RateLimitEnabled reports whether uploads are throttled through Redis.
func (c AppConfig) RateLimitEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
}

// splitOrigins flattens comma-separated entries so env values like
// "https://a.example,https://b.example" yield one origin per element.
func splitOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	for _, origin := range c.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entry %q must be an http or https origin", origin)
		}
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverMinio:
		if strings.TrimSpace(c.MinioEndpoint) == "" {
			return fmt.Errorf("minio.endpoint is required for the minio storage driver")
		}
		if strings.TrimSpace(c.MinioBucket) == "" {
			return fmt.Errorf("minio.bucket is required for the minio storage driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.StorageDriver)
	}
	if c.RateLimitEnabled() && c.UploadsPerMinute <= 0 {
		return fmt.Errorf("ratelimit.uploads_per_minute must be positive")
	}
	if c.MaxPageSize < 1 {
		return fmt.Errorf("devices.max_page_size must be positive")
	}
	if c.EventHeartbeat <= 0 {
		return fmt.Errorf("events.heartbeat must be positive")
	}
	return nil
}
