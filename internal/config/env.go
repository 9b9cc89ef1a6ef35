package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// CompressionConfig drives the pipeline and the engine.
type CompressionConfig struct {
	ChunkThreshold     int64
	TargetChunkBytes   int64
	ChunkTimeout       time.Duration
	Concurrency        int
	GhostscriptPath    string
	CompatibilityLevel string
	WorkDir            string
	DefaultQuality     string
	// ProfileOverrides maps quality names to engine profiles, e.g. maximum=/screen.
	ProfileOverrides map[string]string
}

// WorkerConfig defines dispatcher behavior.
type WorkerConfig struct {
	// Enabled runs the dispatcher inside the API process (RUN_DISPATCHER).
	Enabled      bool
	Concurrency  int
	CancelPoll   time.Duration
	MaxUploadAge time.Duration
	JobTTL       time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// StorageConfig defines where uploads and results live.
type StorageConfig struct {
	UploadDir       string
	ResultDir       string
	S3Bucket        string
	S3Prefix        string
	S3Region        string
	S3Endpoint      string
	AccessKeyID     string
	SecretAccessKey string
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port          string
	MaxUploadSize int64
}

// DefaultMaxUploadSize caps a single upload when MAX_UPLOAD_SIZE is unset.
const DefaultMaxUploadSize int64 = 512 << 20

// Config is the top-level configuration.
type Config struct {
	Logging     LoggingConfig
	Axiom       AxiomConfig
	Compression CompressionConfig
	Worker      WorkerConfig
	Queue       QueueConfig
	Storage     StorageConfig
	Server      ServerConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/pdfsqueeze.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_pdfsqueeze",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Compression = CompressionConfig{
		ChunkThreshold:     parseBytes(getEnv("CHUNK_THRESHOLD", "6MiB"), 6<<20),
		TargetChunkBytes:   parseBytes(getEnv("TARGET_CHUNK_SIZE", "4MiB"), 4<<20),
		ChunkTimeout:       parseDuration(getEnv("CHUNK_TIMEOUT", "300s"), 300*time.Second),
		Concurrency:        parseInt(getEnv("COMPRESS_CONCURRENCY", "1"), 1),
		GhostscriptPath:    getEnv("GHOSTSCRIPT_PATH", ""),
		CompatibilityLevel: getEnv("PDF_COMPATIBILITY_LEVEL", "1.4"),
		WorkDir:            getEnv("ENGINE_WORK_DIR", os.TempDir()),
		DefaultQuality:     getEnv("DEFAULT_QUALITY", "medium"),
		ProfileOverrides:   parseMap(getEnv("QUALITY_PROFILES", "")),
	}
	if cfg.Compression.Concurrency < 1 {
		cfg.Compression.Concurrency = 1
	}

	cfg.Worker = WorkerConfig{
		Enabled:      parseBool(getEnv("RUN_DISPATCHER", "true")),
		Concurrency:  parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
		CancelPoll:   parseDuration(getEnv("WORKER_CANCEL_POLL", "1s"), time.Second),
		MaxUploadAge: parseDuration(getEnv("MAX_UPLOAD_AGE", "24h"), 24*time.Hour),
		JobTTL:       parseDuration(getEnv("JOB_TTL", "72h"), 72*time.Hour),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:compress"),
		Group:        getEnv("QUEUE_GROUP", "workers:compress"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "1s"), time.Second),
	}

	cfg.Storage = StorageConfig{
		UploadDir:       getEnv("UPLOAD_DIR", "data/uploads"),
		ResultDir:       getEnv("RESULT_DIR", "data/results"),
		S3Bucket:        getEnv("AWS_S3_BUCKET", ""),
		S3Prefix:        strings.Trim(getEnv("AWS_S3_PREFIX", "pdfsqueeze"), "/"),
		S3Region:        getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:      getEnv("AWS_S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
	}

	cfg.Server = ServerConfig{
		Port:          getEnv("PORT", "8080"),
		MaxUploadSize: parseBytes(getEnv("MAX_UPLOAD_SIZE", "512MiB"), DefaultMaxUploadSize),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func parseBytes(s string, def int64) int64 {
	n, err := ParseBytes(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ParseBytes accepts a plain byte count or a number with a K/M/G suffix,
// optionally followed by B or iB. Units are binary: 4MiB, 4MB and 4m are equal.
func ParseBytes(s string) (int64, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

// parseMap reads "a=1,b=2".
func parseMap(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
