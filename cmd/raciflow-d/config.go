package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rmax-ai/raciflow/pkg/buffer"
)

const (
	defaultAddr             = "127.0.0.1:8090"
	defaultSnapshotInterval = 5 * time.Minute
	defaultArchiveRetention = 30 * 24 * time.Hour
	defaultArchiveInterval  = time.Hour
	defaultRedisPrefix      = "raciflow"
)

type Config struct {
	DBPath      string
	Addr        string
	ProcessPath string
	RulesPath   string

	MatrixBackend string
	RedisURL      string
	RedisPrefix   string

	Delay    time.Duration
	Capacity int

	SnapshotInterval time.Duration

	ArchiveEnabled   bool
	ArchiveRetention time.Duration
	ArchiveInterval  time.Duration
	BlobDir          string

	LogLevel  string
	LogFormat string

	AuthToken string
	TLSCert   string
	TLSKey    string
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	delay, err := durationFromEnv("RACIFLOW_DEBOUNCE", buffer.DefaultDelay)
	if err != nil {
		return Config{}, err
	}
	snapshotInterval, err := durationFromEnv("RACIFLOW_SNAPSHOT_INTERVAL", defaultSnapshotInterval)
	if err != nil {
		return Config{}, err
	}
	archiveRetention, err := durationFromEnv("RACIFLOW_ARCHIVE_RETENTION", defaultArchiveRetention)
	if err != nil {
		return Config{}, err
	}
	archiveInterval, err := durationFromEnv("RACIFLOW_ARCHIVE_INTERVAL", defaultArchiveInterval)
	if err != nil {
		return Config{}, err
	}
	capacity := buffer.DefaultCapacity
	if v := os.Getenv("RACIFLOW_BUFFER_CAP"); v != "" {
		capacity, err = strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RACIFLOW_BUFFER_CAP: %w", err)
		}
	}
	archiveEnabled := false
	if v := os.Getenv("RACIFLOW_ARCHIVE"); v != "" {
		archiveEnabled, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RACIFLOW_ARCHIVE: %w", err)
		}
	}

	flagSet := flag.NewFlagSet("raciflow-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", envOrDefault("RACIFLOW_DB_PATH", filepath.Join(cwd, "raciflow.db")), "path to SQLite event log")
	flagAddr := flagSet.String("addr", addrFromEnv(defaultAddr), "HTTP listen address")
	flagProcess := flagSet.String("process", os.Getenv("RACIFLOW_PROCESS_PATH"), "process definition (.yaml, .yml or .hcl)")
	flagRules := flagSet.String("rules", os.Getenv("RACIFLOW_RULES_PATH"), "validation rules YAML, re-read on SIGHUP")
	flagBackend := flagSet.String("matrix-backend", envOrDefault("RACIFLOW_MATRIX_BACKEND", "memory"), "matrix store: memory|redis")
	flagRedisURL := flagSet.String("redis-url", os.Getenv("RACIFLOW_REDIS_URL"), "redis URL when matrix-backend=redis")
	flagRedisPrefix := flagSet.String("redis-prefix", envOrDefault("RACIFLOW_REDIS_PREFIX", defaultRedisPrefix), "redis key prefix")
	flagDelay := flagSet.String("debounce", delay.String(), "debounce window for matrix edits")
	flagCapacity := flagSet.Int("buffer-cap", capacity, "maximum pending matrix edits")
	flagSnapshot := flagSet.String("snapshot-interval", snapshotInterval.String(), "matrix snapshot interval")
	flagArchive := flagSet.Bool("archive", archiveEnabled, "move old events to blob storage")
	flagRetention := flagSet.String("archive-retention", archiveRetention.String(), "age after which events are archived")
	flagArchiveInterval := flagSet.String("archive-interval", archiveInterval.String(), "archive check interval")
	flagBlobDir := flagSet.String("blob-dir", envOrDefault("RACIFLOW_BLOB_DIR", filepath.Join(cwd, "archive")), "directory for archived events")
	flagLogLevel := flagSet.String("log-level", envOrDefault("RACIFLOW_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	flagLogFormat := flagSet.String("log-format", envOrDefault("RACIFLOW_LOG_FORMAT", "text"), "log format: text|json")
	flagToken := flagSet.String("auth-token", os.Getenv("RACIFLOW_AUTH_TOKEN"), "bearer token required on write endpoints")
	flagTLSCert := flagSet.String("tls-cert", os.Getenv("RACIFLOW_TLS_CERT"), "TLS certificate file")
	flagTLSKey := flagSet.String("tls-key", os.Getenv("RACIFLOW_TLS_KEY"), "TLS key file")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}

	config := Config{
		DBPath:         resolvePath(*flagDB, cwd),
		Addr:           strings.TrimSpace(*flagAddr),
		ProcessPath:    resolvePath(*flagProcess, cwd),
		RulesPath:      resolvePath(*flagRules, cwd),
		MatrixBackend:  strings.ToLower(strings.TrimSpace(*flagBackend)),
		RedisURL:       strings.TrimSpace(*flagRedisURL),
		RedisPrefix:    strings.TrimSpace(*flagRedisPrefix),
		Capacity:       *flagCapacity,
		ArchiveEnabled: *flagArchive,
		BlobDir:        resolvePath(*flagBlobDir, cwd),
		LogLevel:       strings.ToLower(strings.TrimSpace(*flagLogLevel)),
		LogFormat:      strings.ToLower(strings.TrimSpace(*flagLogFormat)),
		AuthToken:      *flagToken,
		TLSCert:        resolvePath(*flagTLSCert, cwd),
		TLSKey:         resolvePath(*flagTLSKey, cwd),
	}

	if config.Delay, err = parsePositive("debounce", *flagDelay); err != nil {
		return Config{}, err
	}
	if config.SnapshotInterval, err = parsePositive("snapshot interval", *flagSnapshot); err != nil {
		return Config{}, err
	}
	if config.ArchiveRetention, err = parsePositive("archive retention", *flagRetention); err != nil {
		return Config{}, err
	}
	if config.ArchiveInterval, err = parsePositive("archive interval", *flagArchiveInterval); err != nil {
		return Config{}, err
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if config.Capacity <= 0 {
		return Config{}, errors.New("buffer cap must be positive")
	}
	switch config.MatrixBackend {
	case "memory":
	case "redis":
		if config.RedisURL == "" {
			return Config{}, errors.New("matrix-backend=redis requires redis-url")
		}
	default:
		return Config{}, fmt.Errorf("unsupported matrix backend: %s", config.MatrixBackend)
	}
	if (config.TLSCert == "") != (config.TLSKey == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("RACIFLOW_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("RACIFLOW_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func parsePositive(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
