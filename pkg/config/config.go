package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	Polling  PollingConfig  `yaml:"polling"`
	Updates  UpdatesConfig  `yaml:"updates"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	URL             string `yaml:"url"`
	GroupID         string `yaml:"group_id"`
	EnrollSecret    string `yaml:"enroll_secret"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type IdentityConfig struct {
	Path        string `yaml:"path"`
	UseSigning  bool   `yaml:"use_signing"`
	KeyRequired bool   `yaml:"key_required"`
}

type PollingConfig struct {
	Interval int `yaml:"interval_s"`
	Jitter   int `yaml:"jitter_s"`
}

type UpdatesConfig struct {
	SelfUpdate bool   `yaml:"self_update"`
	Interval   int    `yaml:"interval_s"`
	Variant    string `yaml:"variant"`
	StagingDir string `yaml:"staging_dir"`
	BackupDir  string `yaml:"backup_dir"`
	// RestartCmd runs after a successful binary swap, typically a service
	// manager restart. Empty means the supervisor is expected to restart the
	// agent on its own.
	RestartCmd string `yaml:"restart_cmd"`
}

type SandboxConfig struct {
	ScratchDir     string `yaml:"scratch_dir"`
	OutputLimitKiB int    `yaml:"output_limit_kib"`
	PythonBinary   string `yaml:"python_binary"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Server: ServerConfig{
			RequestTimeout:  15,
			RetryInitialMs:  500,
			RetryMaxMs:      10000,
			RetryMaxRetries: 5,
		},
		Identity: IdentityConfig{
			Path:       "/var/lib/drover/identity.json",
			UseSigning: true,
		},
		Polling: PollingConfig{
			Interval: 60,
			Jitter:   10,
		},
		Updates: UpdatesConfig{
			SelfUpdate: true,
			Interval:   3600,
			Variant:    "persistent",
			StagingDir: "/var/lib/drover/staging",
			BackupDir:  "/var/lib/drover/backup",
		},
		Sandbox: SandboxConfig{
			ScratchDir:     "/var/lib/drover/scratch",
			OutputLimitKiB: 64,
			PythonBinary:   "python3",
		},
		Health: HealthConfig{
			TimeDriftMaxS: 120,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides. A missing file is not
// an error; defaults plus environment must be enough to run.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if url := os.Getenv("DROVER_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if group := os.Getenv("DROVER_GROUP_ID"); group != "" {
		cfg.Server.GroupID = group
	}
	if secret := os.Getenv("DROVER_ENROLL_SECRET"); secret != "" {
		cfg.Server.EnrollSecret = secret
	}
	if idPath := os.Getenv("DROVER_IDENTITY_PATH"); idPath != "" {
		cfg.Identity.Path = idPath
	}
	if level := os.Getenv("DROVER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return &Error{"server URL must be http(s)"}
	}
	if c.Identity.Path == "" {
		return ErrMissingIdentityPath
	}
	if c.Polling.Interval < 10 {
		return ErrInvalidInterval
	}
	if c.Identity.KeyRequired && !c.Identity.UseSigning {
		return ErrKeyRequiredWithoutSigning
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 15
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 10000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Updates.Interval < 60 {
		c.Updates.Interval = 3600
	}
	if c.Updates.Variant != "scheduled" && c.Updates.Variant != "persistent" {
		c.Updates.Variant = "persistent"
	}
	if c.Sandbox.OutputLimitKiB <= 0 {
		c.Sandbox.OutputLimitKiB = 64
	}
	if c.Sandbox.PythonBinary == "" {
		c.Sandbox.PythonBinary = "python3"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL          = &Error{"server URL is required"}
	ErrMissingIdentityPath       = &Error{"identity path is required"}
	ErrInvalidInterval           = &Error{"polling interval must be >= 10s"}
	ErrKeyRequiredWithoutSigning = &Error{"key_required needs use_signing enabled"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
