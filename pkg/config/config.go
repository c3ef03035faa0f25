package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Queue drivers.
const (
	QueueDriverRedis  = "redis"
	QueueDriverMemory = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	HTTP        HTTPConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	CORS        CORSConfig
	Log         LogConfig
	Storage     StorageConfig
	Ingestion   IngestionConfig
	Archival    ArchivalConfig
	Reclamation ReclamationConfig
	Queue       QueueConfig
	RouteCache  RouteCacheConfig
}

type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig locates the content store and the archival backup roots.
type StorageConfig struct {
	RootDir          string
	BackupPublicDir  string
	BackupPrivateDir string
}

// IngestionConfig bounds upload payloads.
type IngestionConfig struct {
	MaxFileSizeBytes int64
	MaxFilesPerBatch int
}

// ArchivalConfig controls the daily expiration sweep.
type ArchivalConfig struct {
	Enabled     bool
	Cron        string
	PageSize    int
	Concurrency int
}

// ReclamationConfig controls the unused-file scanner and its queue policy.
type ReclamationConfig struct {
	Enabled      bool
	Cron         string
	GraceWindow  time.Duration
	BatchSize    int
	DelayMinutes int
	ScanLimit    int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
}

// QueueConfig selects the queue driver and its polling behaviour.
type QueueConfig struct {
	Driver            string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// RouteCacheConfig sizes the route rule cache.
type RouteCacheConfig struct {
	Size int
	TTL  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.HTTP = HTTPConfig{
		ReadTimeout:     parseDuration(v.GetString("HTTP_READ_TIMEOUT"), 30*time.Second),
		WriteTimeout:    parseDuration(v.GetString("HTTP_WRITE_TIMEOUT"), 60*time.Second),
		ShutdownTimeout: parseDuration(v.GetString("HTTP_SHUTDOWN_TIMEOUT"), 15*time.Second),
	}

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Storage = StorageConfig{
		RootDir:          v.GetString("STORAGE_ROOT_DIR"),
		BackupPublicDir:  v.GetString("BACKUP_PUBLIC_DIR"),
		BackupPrivateDir: v.GetString("BACKUP_PRIVATE_DIR"),
	}

	maxFileSize := v.GetInt64("INGEST_MAX_FILE_SIZE")
	if maxFileSize <= 0 {
		maxFileSize = 50 * 1024 * 1024
	}
	cfg.Ingestion = IngestionConfig{
		MaxFileSizeBytes: maxFileSize,
		MaxFilesPerBatch: positiveOr(v.GetInt("INGEST_MAX_FILES_PER_BATCH"), 20),
	}

	cfg.Archival = ArchivalConfig{
		Enabled:     v.GetBool("ARCHIVAL_ENABLED"),
		Cron:        v.GetString("ARCHIVAL_CRON"),
		PageSize:    positiveOr(v.GetInt("ARCHIVAL_PAGE_SIZE"), 500),
		Concurrency: positiveOr(v.GetInt("ARCHIVAL_CONCURRENCY"), 4),
	}

	cfg.Reclamation = ReclamationConfig{
		Enabled:      v.GetBool("RECLAMATION_ENABLED"),
		Cron:         v.GetString("RECLAMATION_CRON"),
		GraceWindow:  parseDuration(v.GetString("RECLAMATION_GRACE"), 10*time.Minute),
		BatchSize:    positiveOr(v.GetInt("RECLAMATION_BATCH_SIZE"), 20),
		DelayMinutes: v.GetInt("RECLAMATION_DELAY_MINUTES"),
		ScanLimit:    positiveOr(v.GetInt("RECLAMATION_SCAN_LIMIT"), 5000),
		RetryLimit:   positiveOr(v.GetInt("RECLAMATION_RETRY_LIMIT"), 3),
		RetryDelay:   parseDuration(v.GetString("RECLAMATION_RETRY_DELAY"), time.Minute),
		RetryBackoff: v.GetBool("RECLAMATION_RETRY_BACKOFF"),
	}

	cfg.Queue = QueueConfig{
		Driver:            strings.ToLower(v.GetString("QUEUE_DRIVER")),
		PollInterval:      parseDuration(v.GetString("QUEUE_POLL_INTERVAL"), time.Second),
		VisibilityTimeout: parseDuration(v.GetString("QUEUE_VISIBILITY_TIMEOUT"), 10*time.Minute),
	}

	cfg.RouteCache = RouteCacheConfig{
		Size: positiveOr(v.GetInt("ROUTE_CACHE_SIZE"), 256),
		TTL:  parseDuration(v.GetString("ROUTE_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("HTTP_READ_TIMEOUT", "30s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "60s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "docstore")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORAGE_ROOT_DIR", "./data/files")
	v.SetDefault("BACKUP_PUBLIC_DIR", "./data/backup/public")
	v.SetDefault("BACKUP_PRIVATE_DIR", "./data/backup/private")

	v.SetDefault("INGEST_MAX_FILE_SIZE", 50*1024*1024)
	v.SetDefault("INGEST_MAX_FILES_PER_BATCH", 20)

	v.SetDefault("ARCHIVAL_ENABLED", true)
	v.SetDefault("ARCHIVAL_CRON", "0 2 * * *")
	v.SetDefault("ARCHIVAL_PAGE_SIZE", 500)
	v.SetDefault("ARCHIVAL_CONCURRENCY", 4)

	v.SetDefault("RECLAMATION_ENABLED", true)
	v.SetDefault("RECLAMATION_CRON", "0 */4 * * *")
	v.SetDefault("RECLAMATION_GRACE", "10m")
	v.SetDefault("RECLAMATION_BATCH_SIZE", 20)
	v.SetDefault("RECLAMATION_DELAY_MINUTES", 10)
	v.SetDefault("RECLAMATION_SCAN_LIMIT", 5000)
	v.SetDefault("RECLAMATION_RETRY_LIMIT", 3)
	v.SetDefault("RECLAMATION_RETRY_DELAY", "1m")
	v.SetDefault("RECLAMATION_RETRY_BACKOFF", true)

	v.SetDefault("QUEUE_DRIVER", QueueDriverRedis)
	v.SetDefault("QUEUE_POLL_INTERVAL", "1s")
	v.SetDefault("QUEUE_VISIBILITY_TIMEOUT", "10m")

	v.SetDefault("ROUTE_CACHE_SIZE", 256)
	v.SetDefault("ROUTE_CACHE_TTL", "5m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
