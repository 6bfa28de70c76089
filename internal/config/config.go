package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Core process bootstrap configuration, with environment overrides.
// =============================================================================

// Config is the process-wide bootstrap configuration. It is loaded once at
// startup and is immutable for the lifetime of the process — unlike the
// hot-reloadable settings snapshot served by internal/settings, which callers
// query per-request.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DataDir   string          `yaml:"data_dir"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	Stream    StreamConfig    `yaml:"stream"`
	Packing   PackingConfig   `yaml:"packing"`
	Retitle   RetitleConfig   `yaml:"retitle"`
	Worker    WorkerConfig    `yaml:"worker"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// GuardrailConfig groups the VRAM guardrail planner's tunables (spec §4.3,
// §9's "settings sprawl" redesign note) in the process config. guardrail.Plan
// does not read this struct; it reads its knobs from the effective settings
// map (the guardrail.* keys).
type GuardrailConfig struct {
	Mode              string  `yaml:"mode"` // off|strict|balanced|relaxed|custom
	CustomBudgetGB    float64 `yaml:"custom_budget_gb"`
	AutoFit           bool    `yaml:"auto_fit"`
	DefaultTotalLayers int    `yaml:"default_total_layers"`
	MaxSpilloverSteps int     `yaml:"max_spillover_steps"`
	PlanTimeoutMs     int     `yaml:"plan_timeout_ms"`
}

// StreamConfig groups the streaming bridge's tunables (context budget,
// back-pressure queue sizing, semaphore permits).
type StreamConfig struct {
	GenSemaphorePermits int     `yaml:"gen_semaphore_permits"`
	QueueMaxSize        int     `yaml:"queue_maxsize"`
	MinOutTokens        int     `yaml:"min_out_tokens"`
	OutputMargin        int     `yaml:"output_margin"`
	ReservedSystem      int     `yaml:"reserved_system_tokens"`
	ReadyDeadlineSec    int     `yaml:"ready_deadline_sec"`
	HealthPollMs        int     `yaml:"health_poll_ms"`
	GracefulStopSec     int     `yaml:"graceful_stop_sec"`
	ShowCancelNotice    bool    `yaml:"show_cancel_notice"`
}

// PackingConfig groups the message-packing / roll-up tunables.
type PackingConfig struct {
	RollupSkipThreshold   float64 `yaml:"rollup_skip_threshold"`
	RollupMinPeel         int     `yaml:"rollup_min_peel"`
	RollupMaxPeel         int     `yaml:"rollup_max_peel"`
	RollupPeelRatio       float64 `yaml:"rollup_peel_ratio"`
	SummaryMaxChars       int     `yaml:"summary_max_chars"`
	SummaryShrinkRatio    float64 `yaml:"summary_shrink_ratio"`
	SummaryFloorChars     int     `yaml:"summary_floor_chars"`
}

// RetitleConfig groups the retitle queue's tunables (spec §4.8).
type RetitleConfig struct {
	Enable                  bool   `yaml:"enable"`
	WorkerCount             int    `yaml:"worker_count"`
	QueueMaxSize            int    `yaml:"queue_maxsize"`
	GraceMs                 int    `yaml:"grace_ms"`
	ActiveBackoffStartMs    int    `yaml:"active_backoff_start_ms"`
	ActiveBackoffMaxMs      int    `yaml:"active_backoff_max_ms"`
	ActiveBackoffTotalMs    int    `yaml:"active_backoff_total_ms"`
	ActiveBackoffGrowth     float64 `yaml:"active_backoff_growth"`
	MinUserChars            int    `yaml:"min_user_chars"`
	MinSubstantialChars     int    `yaml:"min_substantial_chars"`
	RequireAlpha            bool   `yaml:"require_alpha"`
	PreviewChars            int    `yaml:"preview_chars"`
	SanitizeMaxWords        int    `yaml:"sanitize_max_words"`
	SanitizeMaxChars        int    `yaml:"sanitize_max_chars"`
}

// WorkerConfig groups worker-subprocess launch tunables owned by the
// supervisor (not the per-model planner output).
type WorkerConfig struct {
	BinaryPath   string `yaml:"binary_path"`
	BindHost     string `yaml:"bind_host"`
	ClientHost   string `yaml:"client_host"`
	StartupEnv   []string `yaml:"startup_env"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// =============================================================================
// Singleton pattern with environment overrides.
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CORE_CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("CORE_ENV", c.Server.Env)
	c.Server.Interface = getEnv("CORE_INTERFACE", c.Server.Interface)
	c.DataDir = getEnv("CORE_DATA_DIR", c.DataDir)

	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Guardrail.Mode = getEnv("GUARDRAIL_MODE", c.Guardrail.Mode)
	if v := getEnvFloat("GUARDRAIL_CUSTOM_BUDGET_GB", 0); v > 0 {
		c.Guardrail.CustomBudgetGB = v
	}
	c.Guardrail.AutoFit = getEnvBool("GUARDRAIL_AUTO_FIT", c.Guardrail.AutoFit)

	if v := getEnvInt("GEN_SEMAPHORE_PERMITS", 0); v > 0 {
		c.Stream.GenSemaphorePermits = v
	}
	if v := getEnvInt("STREAM_QUEUE_MAXSIZE", 0); v > 0 {
		c.Stream.QueueMaxSize = v
	}

	c.Worker.BinaryPath = getEnv("WORKER_BINARY_PATH", c.Worker.BinaryPath)
	c.Worker.BindHost = getEnv("WORKER_BIND_HOST", c.Worker.BindHost)
	c.Worker.ClientHost = getEnv("WORKER_CLIENT_HOST", c.Worker.ClientHost)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Guardrail.Mode == "" {
		c.Guardrail.Mode = "balanced"
	}
	if c.Guardrail.DefaultTotalLayers == 0 {
		c.Guardrail.DefaultTotalLayers = 32
	}
	if c.Guardrail.MaxSpilloverSteps == 0 {
		c.Guardrail.MaxSpilloverSteps = 6
	}
	if c.Guardrail.PlanTimeoutMs == 0 {
		c.Guardrail.PlanTimeoutMs = 2500
	}
	c.Guardrail.AutoFit = true

	if c.Stream.GenSemaphorePermits == 0 {
		c.Stream.GenSemaphorePermits = 1
	}
	if c.Stream.QueueMaxSize == 0 {
		c.Stream.QueueMaxSize = 64
	}
	if c.Stream.MinOutTokens == 0 {
		c.Stream.MinOutTokens = 16
	}
	if c.Stream.OutputMargin == 0 {
		c.Stream.OutputMargin = 32
	}
	if c.Stream.ReservedSystem == 0 {
		c.Stream.ReservedSystem = 256
	}
	if c.Stream.ReadyDeadlineSec == 0 {
		c.Stream.ReadyDeadlineSec = 120
	}
	if c.Stream.HealthPollMs == 0 {
		c.Stream.HealthPollMs = 250
	}
	if c.Stream.GracefulStopSec == 0 {
		c.Stream.GracefulStopSec = 10
	}

	if c.Packing.RollupSkipThreshold == 0 {
		c.Packing.RollupSkipThreshold = 1.1
	}
	if c.Packing.RollupMinPeel == 0 {
		c.Packing.RollupMinPeel = 3
	}
	if c.Packing.RollupMaxPeel == 0 {
		c.Packing.RollupMaxPeel = 12
	}
	if c.Packing.RollupPeelRatio == 0 {
		c.Packing.RollupPeelRatio = 0.2
	}
	if c.Packing.SummaryMaxChars == 0 {
		c.Packing.SummaryMaxChars = 4000
	}
	if c.Packing.SummaryShrinkRatio == 0 {
		c.Packing.SummaryShrinkRatio = 0.5
	}
	if c.Packing.SummaryFloorChars == 0 {
		c.Packing.SummaryFloorChars = 200
	}

	if c.Retitle.WorkerCount == 0 {
		c.Retitle.WorkerCount = 1
	}
	if c.Retitle.QueueMaxSize == 0 {
		c.Retitle.QueueMaxSize = 256
	}
	if c.Retitle.GraceMs == 0 {
		c.Retitle.GraceMs = 1000
	}
	if c.Retitle.ActiveBackoffStartMs == 0 {
		c.Retitle.ActiveBackoffStartMs = 75
	}
	if c.Retitle.ActiveBackoffMaxMs == 0 {
		c.Retitle.ActiveBackoffMaxMs = 600
	}
	if c.Retitle.ActiveBackoffTotalMs == 0 {
		c.Retitle.ActiveBackoffTotalMs = 20000
	}
	if c.Retitle.ActiveBackoffGrowth == 0 {
		c.Retitle.ActiveBackoffGrowth = 1.6
	}
	if c.Retitle.MinUserChars == 0 {
		c.Retitle.MinUserChars = 3
	}
	if c.Retitle.MinSubstantialChars == 0 {
		c.Retitle.MinSubstantialChars = 3
	}
	if c.Retitle.PreviewChars == 0 {
		c.Retitle.PreviewChars = 80
	}
	if c.Retitle.SanitizeMaxWords == 0 {
		c.Retitle.SanitizeMaxWords = 7
	}
	if c.Retitle.SanitizeMaxChars == 0 {
		c.Retitle.SanitizeMaxChars = 60
	}
	c.Retitle.RequireAlpha = true
	c.Retitle.Enable = true

	if c.Worker.BindHost == "" {
		c.Worker.BindHost = "127.0.0.1"
	}
	if c.Worker.ClientHost == "" {
		c.Worker.ClientHost = "127.0.0.1"
	}
	if c.Worker.BinaryPath == "" {
		c.Worker.BinaryPath = "core-worker"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
