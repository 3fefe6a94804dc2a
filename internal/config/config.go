package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix prefixes every environment variable, e.g. PROCESSING_LISTEN_ADDR.
const envPrefix = "processing"

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080" validate:"required"`
	LogLevelName    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogLevel        slog.Level    `ignored:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite" validate:"oneof=sqlite postgres"`
	DBDSN    string `envconfig:"DB_DSN" default:"processing.db" validate:"required"`

	WorkdirRoot string  `envconfig:"WORKDIR_ROOT" default:"workdirs" validate:"required"`
	Storage     Storage `envconfig:"STORAGE"`

	// RightsFile is the YAML file of per tenant and process rights.
	RightsFile string `envconfig:"RIGHTS_FILE" default:"rights.yaml" validate:"required"`
	// RightsReloadInterval is how often the rights file is read again.
	RightsReloadInterval time.Duration `envconfig:"RIGHTS_RELOAD_INTERVAL" default:"5m" validate:"gt=0"`

	// ShellScript, when set, registers the "shell" process running it.
	ShellScript string `envconfig:"SHELL_SCRIPT"`
	ShellEnv    string `envconfig:"SHELL_ENV"`

	TimeoutScanInterval time.Duration `envconfig:"TIMEOUT_SCAN_INTERVAL" default:"1m" validate:"gt=0"`
	TimeoutSafetyFactor float64       `envconfig:"TIMEOUT_SAFETY_FACTOR" default:"1" validate:"gte=1"`
	TimeoutRetries      int           `envconfig:"TIMEOUT_RETRIES" default:"0" validate:"gte=0"`
	MinTimeout          time.Duration `envconfig:"MIN_TIMEOUT" default:"1m" validate:"gte=0"`

	DeletionInterval    time.Duration `envconfig:"DELETION_INTERVAL" default:"1h" validate:"gt=0"`
	DownloadedRetention time.Duration `envconfig:"DOWNLOADED_RETENTION" default:"24h" validate:"gte=0"`
	UndownloadedGrace   time.Duration `envconfig:"UNDOWNLOADED_GRACE" default:"168h" validate:"gte=0"`

	PersistRetries uint64        `envconfig:"PERSIST_RETRIES" default:"3"`
	PersistBackoff time.Duration `envconfig:"PERSIST_BACKOFF" default:"100ms" validate:"gt=0"`

	EventTopic     string `envconfig:"EVENT_TOPIC" default:"processing.results"`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"`
}

// Storage selects where input files come from and output files go.
type Storage struct {
	Backend string `envconfig:"BACKEND" default:"fs" validate:"oneof=fs s3"`
	FSRoot  string `envconfig:"FS_ROOT" default:"cache" validate:"required_if=Backend fs"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT" validate:"required_if=Backend s3"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `envconfig:"S3_SECRET_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"processing" validate:"required_if=Backend s3"`
	S3Region    string `envconfig:"S3_REGION"`
	S3UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
}

// Load reads the optional .env files, then the environment. Files that do
// not exist are skipped; variables already set win over the files.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
