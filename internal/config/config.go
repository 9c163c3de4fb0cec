package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opsledger/apps/api/internal/importhash"
	"github.com/opsledger/apps/api/internal/store"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Addr               string
	Env                string
	LogLevel           string
	StoreDriver        string
	DatabaseURL        string
	OpenAPISpecPath    string
	CORSAllowedOrigins []string
	APIMaxBodyBytes    int64
	ImportMaxFileBytes int64
	ImportMaxRows      int
	HashAlgorithm      importhash.Algorithm
	StoreLimits        store.Limits
	RabbitMQURL        string
	ImportQueue        string
	ImportResultQueue  string
	WorkerPrefetch     int
	WorkerMaxRetries   int
	ReportCacheTTL     time.Duration
	ReadHeaderTimeout  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RateLimitMaxIPs    int
	ImportRateLimit    int
}

// ImportSettings is the optional YAML file named by IMPORT_SETTINGS_FILE. Its
// values override the environment.
type ImportSettings struct {
	HashAlgorithm string       `yaml:"hashAlgorithm"`
	MaxRows       int          `yaml:"maxRows"`
	Limits        store.Limits `yaml:"limits"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:            getEnv("API_ADDR", ":8080"),
		Env:             getEnv("APP_ENV", "dev"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		OpenAPISpecPath: getEnv("OPENAPI_SPEC_PATH", "openapi.yaml"),
		CORSAllowedOrigins: getEnvCSV("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		}),
		APIMaxBodyBytes:    int64(getEnvInt("API_MAX_BODY_MB", 2)) * 1024 * 1024,
		ImportMaxFileBytes: int64(getEnvInt("IMPORT_MAX_FILE_MB", 25)) * 1024 * 1024,
		ImportMaxRows:      getEnvInt("IMPORT_MAX_ROWS", 5000),
		StoreLimits:        store.DefaultLimits(),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		ImportQueue:        getEnv("IMPORT_QUEUE", "order_imports"),
		ImportResultQueue:  getEnv("IMPORT_RESULT_QUEUE", "order_import_results"),
		WorkerPrefetch:     getEnvInt("WORKER_PREFETCH_COUNT", 1),
		WorkerMaxRetries:   getEnvInt("WORKER_MAX_RETRIES", 5),
		ReportCacheTTL:     time.Duration(getEnvInt("REPORT_CACHE_TTL_MIN", 15)) * time.Minute,
		ReadHeaderTimeout:  time.Duration(getEnvInt("API_READ_HEADER_TIMEOUT_SEC", 5)) * time.Second,
		ReadTimeout:        time.Duration(getEnvInt("API_READ_TIMEOUT_SEC", 15)) * time.Second,
		WriteTimeout:       time.Duration(getEnvInt("API_WRITE_TIMEOUT_SEC", 60)) * time.Second,
		IdleTimeout:        time.Duration(getEnvInt("API_IDLE_TIMEOUT_SEC", 60)) * time.Second,
		RateLimitMaxIPs:    getEnvInt("RATE_LIMIT_MAX_IPS", 10000),
		ImportRateLimit:    getEnvInt("IMPORT_RATE_LIMIT_PER_MIN", 30),
	}

	algorithm, err := importhash.ParseAlgorithm(getEnv("IMPORT_HASH_ALGORITHM", string(importhash.AlgorithmRolling)))
	if err != nil {
		return Config{}, err
	}
	cfg.HashAlgorithm = algorithm

	if path := os.Getenv("IMPORT_SETTINGS_FILE"); path != "" {
		settings, err := LoadImportSettings(path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.apply(settings); err != nil {
			return Config{}, err
		}
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto slog; unknown values fall back to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func LoadImportSettings(path string) (ImportSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ImportSettings{}, fmt.Errorf("read import settings: %w", err)
	}
	var settings ImportSettings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return ImportSettings{}, fmt.Errorf("parse import settings: %w", err)
	}
	return settings, nil
}

func (c *Config) apply(settings ImportSettings) error {
	if settings.HashAlgorithm != "" {
		algorithm, err := importhash.ParseAlgorithm(settings.HashAlgorithm)
		if err != nil {
			return err
		}
		c.HashAlgorithm = algorithm
	}
	if settings.MaxRows > 0 {
		c.ImportMaxRows = settings.MaxRows
	}
	c.StoreLimits = settings.Limits.Normalize()
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
