package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Records   RecordStoreConfig
	Valkey    ValkeyConfig
	Objects   ObjectStoreConfig
	MinIO     MinIOConfig
	S3        S3Config
	Buckets   BucketConfig
	Tables    TableConfig
	Batch     BatchConfig
	Lock      LockConfig
	Pipeline  PipelineConfig
	Notify    NotifyConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RecordStoreConfig struct {
	Driver     string // RECORD_STORE_DRIVER: postgres | pebble
	PebblePath string
}

type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int
}

type ObjectStoreConfig struct {
	Driver string // OBJECT_STORE_DRIVER: s3 | minio
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type S3Config struct {
	Region   string // S3_REGION
	Endpoint string // S3_ENDPOINT (for MinIO/LocalStack compatibility)
}

type BucketConfig struct {
	Staging string
	Store   string
	Results string
}

type TableConfig struct {
	Staging        string
	StagingArchive string
	Store          string
	StoreArchive   string
	Results        string
	ResultsArchive string
	ETag           string
}

type BatchConfig struct {
	// Queues maps size class (small, medium, large, xlarge) to queue name.
	Queues                  map[string]string
	SubmitRate              int
	DedupeWindow            time.Duration
	S3JobDefinition         string
	ValidationJobDefinition string
}

type LockConfig struct {
	ExemptRoleIDs []string
	AccountID     string
}

type PipelineConfig struct {
	AutorunValidation bool
	Flagships         []string
	APIBaseURL        string
}

type NotifyConfig struct {
	ManagerEmail    string
	SenderEmail     string
	SMTPHost        string
	SMTPPort        int
	SMTPUser        string
	SMTPPassword    string
	SlackWebhookURL string
}

type AuthConfig struct {
	Enabled      bool
	IssuerURL    string
	PublicIssuer string
	Audience     string
}

type SchedulerConfig struct {
	Cron       string
	StaleAfter time.Duration
}

type WorkerConfig struct {
	MetricsAddr   string
	InvokeTimeout time.Duration
	// ConsumerName identifies this worker in the stream consumer groups. It
	// must survive restarts; empty means the hostname.
	ConsumerName  string
	ClaimIdle     time.Duration
	MaxDeliveries int64
}

func Load() (*Config, error) {
	queues := map[string]string{
		"small":  "agha-validation-small",
		"medium": "agha-validation-medium",
		"large":  "agha-validation-large",
		"xlarge": "agha-validation-xlarge",
	}
	if os.Getenv("BATCH_QUEUE_NAME") != "" {
		queues = nil
		if err := getEnvJSON("BATCH_QUEUE_NAME", &queues); err != nil {
			return nil, err
		}
	}
	for _, size := range []string{"small", "medium", "large", "xlarge"} {
		if queues[size] == "" {
			return nil, fmt.Errorf("BATCH_QUEUE_NAME: missing %q queue", size)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  time.Duration(getEnvInt("SERVER_READ_TIMEOUT_SECS", 30)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("SERVER_WRITE_TIMEOUT_SECS", 60)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "gdr"),
			Password: getEnv("DB_PASSWORD", "gdr"),
			Name:     getEnv("DB_NAME", "gdr"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		Records: RecordStoreConfig{
			Driver:     getEnv("RECORD_STORE_DRIVER", "postgres"),
			PebblePath: getEnv("PEBBLE_PATH", "data/records"),
		},
		Valkey: ValkeyConfig{
			Addr:     getEnv("VALKEY_ADDR", "localhost:6379"),
			Password: getEnv("VALKEY_PASSWORD", ""),
			DB:       getEnvInt("VALKEY_DB", 0),
		},
		Objects: ObjectStoreConfig{
			Driver: getEnv("OBJECT_STORE_DRIVER", "s3"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "gdr"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "gdr12345"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		S3: S3Config{
			Region:   getEnv("S3_REGION", "ap-southeast-2"),
			Endpoint: getEnv("S3_ENDPOINT", ""),
		},
		Buckets: BucketConfig{
			Staging: getEnv("STAGING_BUCKET", "agha-gdr-staging"),
			Store:   getEnv("STORE_BUCKET", "agha-gdr-store"),
			Results: getEnv("RESULTS_BUCKET", "agha-gdr-results"),
		},
		Tables: TableConfig{
			Staging:        getEnv("DYNAMODB_STAGING_TABLE_NAME", "agha_gdr_staging_bucket"),
			StagingArchive: getEnv("DYNAMODB_ARCHIVE_STAGING_TABLE_NAME", "agha_gdr_staging_bucket_archive"),
			Store:          getEnv("DYNAMODB_STORE_TABLE_NAME", "agha_gdr_store_bucket"),
			StoreArchive:   getEnv("DYNAMODB_ARCHIVE_STORE_TABLE_NAME", "agha_gdr_store_bucket_archive"),
			Results:        getEnv("DYNAMODB_RESULT_TABLE_NAME", "agha_gdr_result_bucket"),
			ResultsArchive: getEnv("DYNAMODB_ARCHIVE_RESULT_TABLE_NAME", "agha_gdr_result_bucket_archive"),
			ETag:           getEnv("DYNAMODB_ETAG_TABLE_NAME", "agha_gdr_e_tag"),
		},
		Batch: BatchConfig{
			Queues:                  queues,
			SubmitRate:              getEnvInt("BATCH_SUBMIT_RATE", 10),
			DedupeWindow:            time.Duration(getEnvInt("BATCH_DEDUPE_WINDOW_SECS", 60)) * time.Second,
			S3JobDefinition:         getEnv("S3_JOB_DEFINITION_ARN", "agha-gdr-s3-manipulation"),
			ValidationJobDefinition: getEnv("VALIDATION_JOB_DEFINITION_ARN", "agha-gdr-validation"),
		},
		Lock: LockConfig{
			ExemptRoleIDs: getEnvList("LOCK_EXEMPT_ROLE_IDS"),
			AccountID:     getEnv("ACCOUNT_ID", ""),
		},
		Pipeline: PipelineConfig{
			AutorunValidation: getEnvBool("AUTORUN_VALIDATION_JOBS", true),
			Flagships:         getEnvList("FLAGSHIPS"),
			APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:8080"),
		},
		Notify: NotifyConfig{
			ManagerEmail:    getEnv("MANAGER_EMAIL", ""),
			SenderEmail:     getEnv("SENDER_EMAIL", ""),
			SMTPHost:        getEnv("SMTP_HOST", ""),
			SMTPPort:        getEnvInt("SMTP_PORT", 587),
			SMTPUser:        getEnv("SMTP_USER", ""),
			SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
		},
		Auth: AuthConfig{
			Enabled:      getEnvBool("AUTH_ENABLED", false),
			IssuerURL:    getEnv("AUTH_ISSUER_URL", ""),
			PublicIssuer: getEnv("AUTH_PUBLIC_ISSUER", ""),
			Audience:     getEnv("AUTH_AUDIENCE", "gdr-api"),
		},
		Scheduler: SchedulerConfig{
			Cron:       getEnv("SCHEDULER_CRON", "*/15 * * * *"),
			StaleAfter: time.Duration(getEnvInt("SCHEDULER_STALE_AFTER_SECS", 6*3600)) * time.Second,
		},
		Worker: WorkerConfig{
			MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
			InvokeTimeout: time.Duration(getEnvInt("INVOKE_TIMEOUT_SECS", 900)) * time.Second,
			ConsumerName:  getEnv("WORKER_CONSUMER_NAME", ""),
			ClaimIdle:     time.Duration(getEnvInt("INVOKE_CLAIM_IDLE_SECS", 120)) * time.Second,
			MaxDeliveries: int64(getEnvInt("INVOKE_MAX_DELIVERIES", 5)),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnvJSON decodes a JSON value into dst when the variable is set.
func getEnvJSON(key string, dst any) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}
