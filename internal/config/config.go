package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-arndt/convbox/internal/policy"
	"github.com/p-arndt/convbox/internal/runtime"
)

const (
	AdmissionWait   = "wait"
	AdmissionReject = "reject"
)

// Limits are the default per-run resource limits. Sizes are human strings
// ("512MiB", "100m"), durations are Go durations or bare seconds.
type Limits struct {
	MaxWallTime     string `yaml:"max_wall_time"`
	MaxCPUTime      string `yaml:"max_cpu_time"`
	MaxMemory       string `yaml:"max_memory"`
	MaxOutput       string `yaml:"max_output"`
	MaxSubprocesses int    `yaml:"max_subprocesses"`
	MaxOpenFiles    int    `yaml:"max_open_files"`
}

// Resolve parses the limits and fills unset fields from the built-in
// defaults.
func (l Limits) Resolve() (policy.ResourceLimits, error) {
	m := map[string]any{
		"max_subprocesses": l.MaxSubprocesses,
		"max_open_files":   l.MaxOpenFiles,
	}
	for key, v := range map[string]string{
		"max_wall_time":    l.MaxWallTime,
		"max_cpu_time":     l.MaxCPUTime,
		"max_memory":       l.MaxMemory,
		"max_output_bytes": l.MaxOutput,
	} {
		if v != "" {
			m[key] = v
		}
	}
	rl, err := policy.LimitsFromMap(m)
	if err != nil {
		return policy.ResourceLimits{}, err
	}
	return rl.MergedWithDefaults(), nil
}

type RuntimeConfig struct {
	HelperPath          string  `yaml:"helper_path"`
	StartupTimeoutMs    int     `yaml:"startup_timeout_ms"`
	PollIntervalMs      int     `yaml:"poll_interval_ms"`
	HeartbeatIntervalMs int     `yaml:"heartbeat_interval_ms"`
	HeartbeatMisses     int     `yaml:"heartbeat_misses"`
	GracePeriodMs       int     `yaml:"grace_period_ms"`
	TermWaitMs          int     `yaml:"term_wait_ms"`
	KillWaitMs          int     `yaml:"kill_wait_ms"`
	LogRate             float64 `yaml:"log_rate"`
	LogBurst            int     `yaml:"log_burst"`
}

// Options converts the settings for the process supervisor. Zero values
// are left for the supervisor's own defaults.
func (r RuntimeConfig) Options() runtime.Options {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return runtime.Options{
		HelperPath:        r.HelperPath,
		StartupTimeout:    ms(r.StartupTimeoutMs),
		PollInterval:      ms(r.PollIntervalMs),
		HeartbeatInterval: ms(r.HeartbeatIntervalMs),
		HeartbeatMisses:   r.HeartbeatMisses,
		GracePeriod:       ms(r.GracePeriodMs),
		TermWait:          ms(r.TermWaitMs),
		KillWait:          ms(r.KillWaitMs),
		LogRate:           r.LogRate,
		LogBurst:          r.LogBurst,
	}
}

type IsolationConfig struct {
	Cgroups         bool   `yaml:"cgroups"`
	CgroupRoot      string `yaml:"cgroup_root"`
	Namespaces      bool   `yaml:"namespaces"`
	ThreadAllowance int    `yaml:"thread_allowance"`
}

type ReaperConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	RetentionSeconds int `yaml:"retention_seconds"`
}

type Config struct {
	WorkRoot               string   `yaml:"work_root"`
	DBPath                 string   `yaml:"db_path"`
	LogLevel               string   `yaml:"log_level"`
	MetricsAddr            string   `yaml:"metrics_addr"`
	MaxConcurrentSandboxes int      `yaml:"max_concurrent_sandboxes"`
	AdmissionMode          string   `yaml:"admission_mode"`
	Capabilities           []string `yaml:"capabilities"`
	EnvAllowList           []string `yaml:"env_allow_list"`
	BlockedImports         []string `yaml:"blocked_imports"`

	Limits    Limits          `yaml:"limits"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Isolation IsolationConfig `yaml:"isolation"`
	Reaper    ReaperConfig    `yaml:"reaper"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		WorkRoot:               "./convbox-work",
		DBPath:                 "./convbox.db",
		LogLevel:               "info",
		MaxConcurrentSandboxes: 4,
		AdmissionMode:          AdmissionWait,
		Limits: Limits{
			MaxWallTime: "300s",
			MaxCPUTime:  "120s",
			MaxMemory:   "512MiB",
			MaxOutput:   "100MiB",
		},
		Runtime: RuntimeConfig{
			StartupTimeoutMs:    10000,
			PollIntervalMs:      100,
			HeartbeatIntervalMs: 250,
			HeartbeatMisses:     20,
			GracePeriodMs:       500,
			TermWaitMs:          250,
			KillWaitMs:          2000,
		},
		Isolation: IsolationConfig{
			Cgroups:    false,
			CgroupRoot: "/sys/fs/cgroup/convbox",
			Namespaces: false,
		},
		Reaper: ReaperConfig{
			IntervalSeconds:  60,
			RetentionSeconds: 7 * 24 * 3600,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Policy builds the default run policy from the loaded settings.
func (c *Config) Policy() (policy.Config, error) {
	caps, err := policy.ParseCapabilitySet(c.Capabilities)
	if err != nil {
		return policy.Config{}, err
	}
	limits, err := c.Limits.Resolve()
	if err != nil {
		return policy.Config{}, err
	}
	return policy.NewConfig(c.WorkRoot, caps, limits, c.EnvAllowList)
}

func (c *Config) RejectWhenFull() bool {
	return strings.EqualFold(c.AdmissionMode, AdmissionReject)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONVBOX_WORK_ROOT"); v != "" {
		cfg.WorkRoot = v
	}
	if v := os.Getenv("CONVBOX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVBOX_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CONVBOX_MAX_CONCURRENT_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentSandboxes = n
		}
	}
	if v := os.Getenv("CONVBOX_ADMISSION_MODE"); v == AdmissionWait || v == AdmissionReject {
		cfg.AdmissionMode = v
	}
	if v := os.Getenv("CONVBOX_CAPABILITIES"); v != "" {
		cfg.Capabilities = strings.Split(v, ",")
	}
	if v := os.Getenv("CONVBOX_ENV_ALLOW_LIST"); v != "" {
		cfg.EnvAllowList = strings.Split(v, ",")
	}
	if v := os.Getenv("CONVBOX_BLOCKED_IMPORTS"); v != "" {
		cfg.BlockedImports = strings.Split(v, ",")
	}
	if v := os.Getenv("CONVBOX_MAX_WALL_TIME"); v != "" {
		cfg.Limits.MaxWallTime = v
	}
	if v := os.Getenv("CONVBOX_MAX_CPU_TIME"); v != "" {
		cfg.Limits.MaxCPUTime = v
	}
	if v := os.Getenv("CONVBOX_MAX_MEMORY"); v != "" {
		cfg.Limits.MaxMemory = v
	}
	if v := os.Getenv("CONVBOX_MAX_OUTPUT"); v != "" {
		cfg.Limits.MaxOutput = v
	}
	if v := os.Getenv("CONVBOX_MAX_SUBPROCESSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxSubprocesses = n
		}
	}
	if v := os.Getenv("CONVBOX_MAX_OPEN_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxOpenFiles = n
		}
	}
	if v := os.Getenv("CONVBOX_HELPER_PATH"); v != "" {
		cfg.Runtime.HelperPath = v
	}
	if v := os.Getenv("CONVBOX_STARTUP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.StartupTimeoutMs = n
		}
	}
	if v := os.Getenv("CONVBOX_CGROUPS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Isolation.Cgroups = b
		}
	}
	if v := os.Getenv("CONVBOX_CGROUP_ROOT"); v != "" {
		cfg.Isolation.CgroupRoot = v
	}
	if v := os.Getenv("CONVBOX_NAMESPACES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Isolation.Namespaces = b
		}
	}
}
