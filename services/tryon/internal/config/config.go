package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is used when TRYON_CONFIG is not set.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string   `yaml:"port"`
	LogLevel           string   `yaml:"logLevel"`
	LogFormat          string   `yaml:"logFormat"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCIDRs"`

	// StoreDriver selects the record store: postgres, mongo or memory.
	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`
	MongoURI    string `yaml:"mongoURI"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// ObjectStore selects blob storage: minio, s3 or memory.
	ObjectStore     string `yaml:"objectStore"`
	MinioEndpoint   string `yaml:"minioEndpoint"`
	MinioAccessKey  string `yaml:"minioAccessKey"`
	MinioSecretKey  string `yaml:"minioSecretKey"`
	MinioBucket     string `yaml:"minioBucket"`
	MinioUseSSL     bool   `yaml:"minioUseSSL"`
	S3Region        string `yaml:"s3Region"`
	S3Bucket        string `yaml:"s3Bucket"`
	S3Endpoint      string `yaml:"s3Endpoint"`
	PresignExpiry   string `yaml:"presignExpiry"`
	PublicObjectURL string `yaml:"publicObjectURL"`

	GeminiAPIKey    string `yaml:"geminiAPIKey"`
	GeminiModel     string `yaml:"geminiModel"`
	GeminiBaseURL   string `yaml:"geminiBaseURL"`
	ProviderTimeout string `yaml:"providerTimeout"`

	QuotaLimit               int    `yaml:"quotaLimit"`
	QuotaWindow              string `yaml:"quotaWindow"`
	BatchMaxCount            int    `yaml:"batchMaxCount"`
	MaxUploadBytes           int64  `yaml:"maxUploadBytes"`
	UploadRateLimitPerMinute int    `yaml:"uploadRateLimitPerMinute"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	CatalogSeedFile string `yaml:"catalogSeedFile"`
}

// Load reads .env (if present), then the YAML file at path, then environment
// overrides. A missing file is tolerated only for the default path so that a
// container can be configured from the environment alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	explicit := path != ""
	if v := os.Getenv("TRYON_CONFIG"); v != "" {
		path = v
		explicit = true
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	if v := os.Getenv("TRYON_CORS_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRYON_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}

	setString(&cfg.StoreDriver, "TRYON_STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.MongoURI, "MONGO_URI")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")

	setString(&cfg.ObjectStore, "TRYON_OBJECT_STORE")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.MinioUseSSL = v == "true"
	}
	setString(&cfg.S3Region, "AWS_REGION")
	setString(&cfg.S3Bucket, "AWS_S3_BUCKET")
	setString(&cfg.S3Endpoint, "AWS_S3_ENDPOINT")
	setString(&cfg.PresignExpiry, "TRYON_PRESIGN_EXPIRY")
	setString(&cfg.PublicObjectURL, "TRYON_PUBLIC_OBJECT_URL")

	setString(&cfg.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&cfg.GeminiModel, "GEMINI_MODEL")
	setString(&cfg.GeminiBaseURL, "GEMINI_BASE_URL")
	setString(&cfg.ProviderTimeout, "TRYON_PROVIDER_TIMEOUT")

	setInt(&cfg.QuotaLimit, "TRYON_QUOTA_LIMIT")
	setString(&cfg.QuotaWindow, "TRYON_QUOTA_WINDOW")
	setInt(&cfg.BatchMaxCount, "TRYON_BATCH_MAX_COUNT")
	if v := os.Getenv("TRYON_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	setInt(&cfg.UploadRateLimitPerMinute, "TRYON_UPLOAD_RATE_LIMIT_PER_MINUTE")

	setString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")

	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setString(&cfg.CatalogSeedFile, "TRYON_CATALOG_SEED")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = "minio"
	}
	if cfg.PresignExpiry == "" {
		cfg.PresignExpiry = "1h"
	}
	if cfg.ProviderTimeout == "" {
		cfg.ProviderTimeout = "60s"
	}
	if cfg.QuotaLimit == 0 {
		cfg.QuotaLimit = 10
	}
	if cfg.QuotaWindow == "" {
		cfg.QuotaWindow = "10m"
	}
	if cfg.BatchMaxCount == 0 {
		cfg.BatchMaxCount = 10
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "tryon.events"
	}
}

func validateConfig(cfg FileConfig) error {
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver postgres (or DATABASE_URL)")
		}
	case "mongo":
		if cfg.MongoURI == "" {
			return errors.New("config: mongoURI is required for storeDriver mongo (or MONGO_URI)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.ObjectStore {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for objectStore minio")
		}
	case "s3":
		if cfg.S3Region == "" || cfg.S3Bucket == "" {
			return errors.New("config: s3Region and s3Bucket are required for objectStore s3")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown objectStore %q", cfg.ObjectStore)
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
	}
	if (cfg.AuthJWKSURL == "") == (cfg.JWTSecret == "") {
		return errors.New("config: exactly one of authJwksURL and jwtSecret must be set")
	}
	if cfg.QuotaLimit < 0 || cfg.BatchMaxCount < 0 {
		return errors.New("config: quotaLimit and batchMaxCount must be > 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: uploadRateLimitPerMinute must be >= 0")
	}
	for name, value := range map[string]string{
		"presignExpiry":   cfg.PresignExpiry,
		"providerTimeout": cfg.ProviderTimeout,
		"quotaWindow":     cfg.QuotaWindow,
		"jwtLeeway":       cfg.JWTLeeway,
	} {
		dur, err := ParseDuration(name, value)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if dur < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	return nil
}

// ParseDuration parses an optional duration field; empty yields zero.
func ParseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	return dur, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
