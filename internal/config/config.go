package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// EngineConfig holds execution and recovery settings.
type EngineConfig struct {
	Workers          int
	QueueSize        int
	TaskTimeout      time.Duration
	ScanInterval     time.Duration
	FailOnExhaustion bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
	// Rate is the number of push notifications allowed per second.
	Rate float64
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Engine       EngineConfig
	Notification NotificationConfig

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7171"
	defaultMode          = "http"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultTaskTimeout   = 5 * time.Minute
	defaultScanInterval  = 5 * time.Minute
	defaultNotifyRate    = 1.0
	defaultShutdownGrace = 5 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	return ParseArgs(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:])
}

// ParseArgs is Parse with an explicit flag set and argument list.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "taskwarden", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKWARDEN_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKWARDEN_AUTH_TOKEN", ""),
			Mode:      getEnvString("TASKWARDEN_MODE", defaultMode),
		},
		Log: LogConfig{
			Level:  getEnvString("TASKWARDEN_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("TASKWARDEN_LOG_FORMAT", defaultLogFormat),
		},
		Engine: EngineConfig{
			Workers:          getEnvInt("TASKWARDEN_WORKERS", defaultWorkers),
			QueueSize:        getEnvInt("TASKWARDEN_QUEUE_SIZE", defaultQueueSize),
			TaskTimeout:      getEnvDuration("TASKWARDEN_TASK_TIMEOUT", defaultTaskTimeout),
			ScanInterval:     getEnvDuration("TASKWARDEN_SCAN_INTERVAL", defaultScanInterval),
			FailOnExhaustion: getEnvBool("TASKWARDEN_FAIL_ON_EXHAUSTION", false),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("TASKWARDEN_BARK_URL", ""),
				Enabled: getEnvBool("TASKWARDEN_BARK_ENABLED", false),
			},
			Rate: getEnvFloat("TASKWARDEN_NOTIFY_RATE", defaultNotifyRate),
		},
		StateDir:      getEnvString("TASKWARDEN_STATE_DIR", ""),
		UseUTC:        getEnvBool("TASKWARDEN_USE_UTC", false),
		ShutdownGrace: getEnvDuration("TASKWARDEN_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var (
		addr, mode, logLevel, stateDir string
		workers                        int
		useUTC                         bool
		taskTimeout, scanInterval      time.Duration
		shutdownGrace                  time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.IntVar(&workers, "workers", 0, "Number of execution workers")
	fs.DurationVar(&taskTimeout, "task-timeout", 0, "Hard ceiling for a single execution attempt")
	fs.DurationVar(&scanInterval, "scan-interval", 0, "Recovery scan cadence")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if workers > 0 {
		cfg.Engine.Workers = workers
	}
	if taskTimeout > 0 {
		cfg.Engine.TaskTimeout = taskTimeout
	}
	if scanInterval > 0 {
		cfg.Engine.ScanInterval = scanInterval
	}
	// For bool flags, check if explicitly set via Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Server.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q: want http, mcp or both", cfg.Server.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Engine.Workers < 1 {
		cfg.Engine.Workers = defaultWorkers
	}
	if cfg.Engine.QueueSize < 1 {
		cfg.Engine.QueueSize = defaultQueueSize
	}
	if cfg.Notification.Rate <= 0 {
		cfg.Notification.Rate = defaultNotifyRate
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskwarden")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
