package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// SchedulerConfig holds the periodic loop settings.
type SchedulerConfig struct {
	TickInterval      time.Duration
	LeadWindow        time.Duration
	RetentionSchedule string
	RetentionKeep     int
}

// TerraformConfig holds settings for the terraform backend.
type TerraformConfig struct {
	BinPath   string
	ConfigDir string
}

// DockerConfig holds settings for the docker backend.
type DockerConfig struct {
	DefaultImage  string
	AccessHost    string
	ContainerPort string
}

// ProvisionConfig selects and tunes the room backend.
type ProvisionConfig struct {
	Backend      string // terraform | docker
	HealthBudget time.Duration
	HealthPoll   time.Duration
	Terraform    TerraformConfig
	Docker       DockerConfig
}

// CredentialsConfig holds the optional credential issuer endpoint. An empty
// URL disables per-room credentials.
type CredentialsConfig struct {
	IssuerURL string
}

// WebhookConfig holds settings for pushing operation outcomes to an
// external endpoint.
type WebhookConfig struct {
	URL     string
	Enabled bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Scheduler   SchedulerConfig
	Provision   ProvisionConfig
	Credentials CredentialsConfig
	Webhook     WebhookConfig

	// Mode selects which operator surfaces run: http, mcp or both.
	Mode string

	StateDir      string
	ArchiveDir    string
	PoolSize      int
	ShutdownGrace time.Duration
}

const (
	defaultAddr              = "0.0.0.0:7080"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultMode              = "http"
	defaultTickInterval      = 30 * time.Second
	defaultLeadWindow        = 5 * time.Minute
	defaultRetentionSchedule = "0 * * * *"
	defaultRetentionKeep     = 50
	defaultBackend           = "docker"
	defaultHealthBudget      = 5 * time.Minute
	defaultHealthPoll        = 10 * time.Second
	defaultPoolSize          = 4
	defaultShutdownGrace     = 5 * time.Second
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

// Parse builds the configuration from environment variables.
// Priority: environment variables > .env file > defaults. CLI flags are
// applied on top by the command layer.
func Parse() (*Config, error) {
	// Load .env file if exists (silent fail if not present)
	// Check multiple locations: current directory, then config directory
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "greenroom", ".env"))
	}
	_ = godotenv.Load(envFiles...) // Ignore error - file is optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("GREENROOM_ADDR", defaultAddr),
			AuthToken: getEnvString("GREENROOM_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("GREENROOM_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("GREENROOM_LOG_FORMAT", defaultLogFormat),
		},
		Scheduler: SchedulerConfig{
			TickInterval:      getEnvDuration("GREENROOM_TICK_INTERVAL", defaultTickInterval),
			LeadWindow:        getEnvDuration("GREENROOM_LEAD_WINDOW", defaultLeadWindow),
			RetentionSchedule: getEnvString("GREENROOM_RETENTION_SCHEDULE", defaultRetentionSchedule),
			RetentionKeep:     getEnvInt("GREENROOM_RETENTION_KEEP", defaultRetentionKeep),
		},
		Provision: ProvisionConfig{
			Backend:      getEnvString("GREENROOM_BACKEND", defaultBackend),
			HealthBudget: getEnvDuration("GREENROOM_HEALTH_BUDGET", defaultHealthBudget),
			HealthPoll:   getEnvDuration("GREENROOM_HEALTH_POLL", defaultHealthPoll),
			Terraform: TerraformConfig{
				BinPath:   getEnvString("GREENROOM_TERRAFORM_BIN", ""),
				ConfigDir: getEnvString("GREENROOM_TERRAFORM_DIR", ""),
			},
			Docker: DockerConfig{
				DefaultImage:  getEnvString("GREENROOM_DOCKER_IMAGE", ""),
				AccessHost:    getEnvString("GREENROOM_DOCKER_ACCESS_HOST", ""),
				ContainerPort: getEnvString("GREENROOM_DOCKER_PORT", ""),
			},
		},
		Credentials: CredentialsConfig{
			IssuerURL: getEnvString("GREENROOM_ISSUER_URL", ""),
		},
		Webhook: WebhookConfig{
			URL:     getEnvString("GREENROOM_WEBHOOK_URL", ""),
			Enabled: getEnvBool("GREENROOM_WEBHOOK_ENABLED", false),
		},
		Mode:          getEnvString("GREENROOM_MODE", defaultMode),
		StateDir:      getEnvString("GREENROOM_STATE_DIR", ""),
		ArchiveDir:    getEnvString("GREENROOM_ARCHIVE_DIR", ""),
		PoolSize:      getEnvInt("GREENROOM_POOL_SIZE", defaultPoolSize),
		ShutdownGrace: getEnvDuration("GREENROOM_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.StateDir, "archives")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and clamps numeric ones back to defaults.
func (c *Config) Validate() error {
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (valid: http, mcp, both)", c.Mode)
	}
	switch c.Provision.Backend {
	case "terraform", "docker":
	default:
		return fmt.Errorf("invalid backend %q (valid: terraform, docker)", c.Provision.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Log.Format)
	}
	if c.Scheduler.RetentionKeep < 1 {
		c.Scheduler.RetentionKeep = defaultRetentionKeep
	}
	if c.PoolSize < 1 {
		c.PoolSize = defaultPoolSize
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = defaultTickInterval
	}
	if c.Scheduler.LeadWindow <= 0 {
		c.Scheduler.LeadWindow = defaultLeadWindow
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "greenroom")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
