package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the runner fleet controller, loaded
// from environment variables (prefix RUNNERCTL_) layered over an optional
// config file, following the teacher's viper-based Load/Validate shape.
// An environment variable is read only for a key that setDefaults names;
// viper's Unmarshal does not see other keys from the environment alone, so
// those come from the config file.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	GitHub         GitHubConfig         `mapstructure:"github"`
	Scaling        ScalingConfig        `mapstructure:"scaling"`
	ScaleDown      ScaleDownConfig      `mapstructure:"scale_down"`
	Pool           PoolConfig           `mapstructure:"pool"`
	JobRetry       JobRetryConfig       `mapstructure:"job_retry"`
	AWS            AWSConfig            `mapstructure:"aws"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Store          StoreConfig          `mapstructure:"store"`
	Environment    string               `mapstructure:"environment"`
	DryRun         bool                 `mapstructure:"dry_run"`
	LogLevel       string               `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
	RateLimitRPS int           `mapstructure:"rate_limit_rps"`
}

// GitHubConfig configures the upstream job-service adapter (spec §6).
type GitHubConfig struct {
	Token            string        `mapstructure:"token"`
	AppID            int64         `mapstructure:"app_id"`
	AppPrivateKey    string        `mapstructure:"app_private_key"`
	GHESURL          string        `mapstructure:"ghes_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
	RateLimitBuffer  int           `mapstructure:"rate_limit_buffer"`
}

// APIBase returns the upstream API base URL, applying the GHES host
// derivation rule from spec §6: a ".ghe.com" host gets an "api." prefix;
// any other GHES host is suffixed with "/api/v3"; no host means github.com.
func (c GitHubConfig) APIBase() string {
	if c.GHESURL == "" {
		return "https://api.github.com"
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.GHESURL, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	if strings.HasSuffix(host, ".ghe.com") {
		return "https://api." + host
	}
	return "https://" + host + "/api/v3"
}

// WebBase returns the host a runner's --url registration flag points at,
// distinct from APIBase's REST host (GHES serves the web UI and the API
// surface from different hosts/paths).
func (c GitHubConfig) WebBase() string {
	if c.GHESURL == "" {
		return "https://github.com"
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.GHESURL, "https://"), "http://")
	host = strings.TrimSuffix(host, "/")
	return "https://" + host
}

// ScalingConfig covers every scale-up (U) knob enumerated in spec §4.2.
type ScalingConfig struct {
	OrgMode                   bool          `mapstructure:"org_mode"`
	Ephemeral                 bool          `mapstructure:"ephemeral"`
	JITConfig                 bool          `mapstructure:"jit_config"`
	DisableRunnerAutoupdate   bool          `mapstructure:"disable_runner_autoupdate"`
	QueuedCheck               bool          `mapstructure:"queued_check"`
	MaxRunners                int           `mapstructure:"max_runners"` // -1 disables the cap
	RunnerLabels              []string      `mapstructure:"runner_labels"`
	RunnerGroupName           string        `mapstructure:"runner_group_name"`
	NamePrefix                string        `mapstructure:"name_prefix"`
	AllocationStrategy        string        `mapstructure:"allocation_strategy"`
	InstanceTypes             []string      `mapstructure:"instance_types"`
	Subnets                   []string      `mapstructure:"subnets"`
	MaxSpotPrice              string        `mapstructure:"max_spot_price"`
	TargetCapacityType        string        `mapstructure:"target_capacity_type"`
	AMISSMParameter           string        `mapstructure:"ami_ssm_parameter"`
	TracingEnabled            bool          `mapstructure:"tracing_enabled"`
	OnDemandFailoverErrorCodes []string     `mapstructure:"on_demand_failover_on_error_codes"`
	SecretPacingThreshold     int           `mapstructure:"secret_pacing_threshold"` // spec §4.2 step 7 ("40")
	SecretPacingDelay         time.Duration `mapstructure:"secret_pacing_delay"`     // spec §4.2 step 7 ("25ms")
	WorkerConcurrency         int           `mapstructure:"worker_concurrency"`
}

// ScaleDownScheduleEntry is one (cron, idle-count, eviction-strategy)
// triple from SCALE_DOWN_CONFIG (spec §6).
type ScaleDownScheduleEntry struct {
	Cron             string `json:"cron" mapstructure:"cron"`
	IdleCount        int    `json:"idleCount" mapstructure:"idle_count"`
	EvictionStrategy string `json:"evictionStrategy" mapstructure:"eviction_strategy"`
}

// ScaleDownConfig configures the reaper (D), spec §4.3.
type ScaleDownConfig struct {
	MinimumRunningTime time.Duration            `mapstructure:"minimum_running_time"`
	BootTimeThreshold  time.Duration            `mapstructure:"boot_time_threshold"`
	Schedule           []ScaleDownScheduleEntry  `mapstructure:"schedule"`
	ScheduleJSON       string                   `mapstructure:"schedule_json"` // SCALE_DOWN_CONFIG raw form
	CheckInterval      time.Duration            `mapstructure:"check_interval"` // cmd/zeno's internal ticker period
}

// PoolTarget is one owning scope the pool top-up loop (P) maintains a
// minimum idle count for.
type PoolTarget struct {
	Owner          string `json:"owner" mapstructure:"owner"`
	Repo           string `json:"repo" mapstructure:"repo"` // empty means org-mode
	Target         int    `json:"target" mapstructure:"target"`
	InstallationID int64  `json:"installationId" mapstructure:"installation_id"`
}

// PoolConfig configures the pool top-up loop (P), spec §4.4.
type PoolConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Targets       []PoolTarget  `mapstructure:"targets"`
	TargetsJSON   string        `mapstructure:"targets_json"` // POOL_TARGETS raw form
}

// ActiveEntry returns the schedule entry active at t, per SPEC_FULL §3's
// supplemented "currently active" rule: last declared entry whose cron
// expression matches t wins; if none match, the last declared entry is
// used as a fallback so D always has an idle quota to work with.
func (c ScaleDownConfig) ActiveEntry(t time.Time) (ScaleDownScheduleEntry, bool) {
	entries := c.Schedule
	if len(entries) == 0 {
		return ScaleDownScheduleEntry{}, false
	}
	active := entries[len(entries)-1]
	found := false
	for _, e := range entries {
		if cronMatches(e.Cron, t) {
			active = e
			found = true
		}
	}
	if !found {
		// Fall back to the last declared entry so D never runs with a
		// zero idle quota purely because no schedule entry matched.
		return active, true
	}
	return active, true
}

// JobRetryConfig configures the retry layer (R), spec §4.5.
type JobRetryConfig struct {
	Enable              bool          `mapstructure:"enable"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialDelaySeconds int           `mapstructure:"initial_delay_seconds"`
	Backoff             float64       `mapstructure:"backoff"`
	QueueURL            string        `mapstructure:"queue_url"`
	MaxQueueDelay       time.Duration `mapstructure:"max_queue_delay"`
}

// AWSConfig configures the state fabric's EC2/SSM backend.
type AWSConfig struct {
	Region             string            `mapstructure:"region"`
	LaunchTemplateID   string            `mapstructure:"launch_template_id"`
	SecurityGroupIDs   []string          `mapstructure:"security_group_ids"`
	IAMInstanceProfile string            `mapstructure:"iam_instance_profile"`
	SSMTokenPath       string            `mapstructure:"ssm_token_path"`
	Tags               map[string]string `mapstructure:"tags"`
	UseDryRunBackend   bool              `mapstructure:"use_dry_run_backend"` // Docker-backed local fabric, SPEC_FULL §2
	DockerImage        string            `mapstructure:"docker_image"`
	DockerHost         string            `mapstructure:"docker_host"`
}

// QueueConfig configures the durable intake queue (spec §2's "(I)").
type QueueConfig struct {
	ScaleUpQueueURL     string `mapstructure:"scale_up_queue_url"`
	MaxMessagesPerBatch int32  `mapstructure:"max_messages_per_batch"`
	WaitTimeSeconds     int32  `mapstructure:"wait_time_seconds"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type LeaderElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockFilePath  string        `mapstructure:"lock_file_path"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RUNNERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.ScaleDown.ScheduleJSON != "" {
		var entries []ScaleDownScheduleEntry
		if err := json.Unmarshal([]byte(cfg.ScaleDown.ScheduleJSON), &entries); err != nil {
			return nil, fmt.Errorf("failed to parse scale_down.schedule_json: %w", err)
		}
		cfg.ScaleDown.Schedule = entries
	}

	if cfg.Pool.TargetsJSON != "" {
		var targets []PoolTarget
		if err := json.Unmarshal([]byte(cfg.Pool.TargetsJSON), &targets); err != nil {
			return nil, fmt.Errorf("failed to parse pool.targets_json: %w", err)
		}
		cfg.Pool.Targets = targets
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)
	v.SetDefault("server.rate_limit_rps", 100)

	v.SetDefault("github.token", "")
	v.SetDefault("github.app_id", 0)
	v.SetDefault("github.ghes_url", "")
	v.SetDefault("github.request_timeout", 30*time.Second)
	v.SetDefault("github.max_retries", 3)
	v.SetDefault("github.retry_backoff_base", 1*time.Second)
	v.SetDefault("github.retry_backoff_max", 30*time.Second)
	v.SetDefault("github.rate_limit_buffer", 100)

	v.SetDefault("scaling.org_mode", false)
	v.SetDefault("scaling.ephemeral", true)
	v.SetDefault("scaling.jit_config", false)
	v.SetDefault("scaling.queued_check", true)
	v.SetDefault("scaling.max_runners", -1)
	v.SetDefault("scaling.name_prefix", "ci-runner-")
	v.SetDefault("scaling.target_capacity_type", "spot")
	v.SetDefault("scaling.secret_pacing_threshold", 40)
	v.SetDefault("scaling.secret_pacing_delay", 25*time.Millisecond)
	v.SetDefault("scaling.worker_concurrency", 8)

	v.SetDefault("scale_down.minimum_running_time", 5*time.Minute)
	v.SetDefault("scale_down.boot_time_threshold", 5*time.Minute)
	v.SetDefault("scale_down.check_interval", 1*time.Minute)
	v.SetDefault("scale_down.schedule_json", "")

	v.SetDefault("pool.check_interval", 1*time.Minute)
	v.SetDefault("pool.targets_json", "")

	v.SetDefault("job_retry.enable", true)
	v.SetDefault("job_retry.queue_url", "")
	v.SetDefault("job_retry.max_attempts", 5)
	v.SetDefault("job_retry.initial_delay_seconds", 1)
	v.SetDefault("job_retry.backoff", 2.0)
	v.SetDefault("job_retry.max_queue_delay", 900*time.Second)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.launch_template_id", "")
	v.SetDefault("aws.ssm_token_path", "/runnerfleet/runners")
	v.SetDefault("aws.use_dry_run_backend", false)
	v.SetDefault("aws.docker_image", "myoung34/github-runner:latest")
	v.SetDefault("aws.docker_host", "unix:///var/run/docker.sock")

	v.SetDefault("queue.scale_up_queue_url", "")
	v.SetDefault("queue.max_messages_per_batch", 10)
	v.SetDefault("queue.wait_time_seconds", 20)

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/runnerfleet-leader.lock")
	v.SetDefault("leader_election.lease_duration", 15*time.Second)
	v.SetDefault("leader_election.renew_deadline", 10*time.Second)
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/runnerfleet-events.json")
	v.SetDefault("store.max_events", 1000)

	v.SetDefault("environment", "default")
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

// Validate enforces the cross-field invariants spec §4/§6 rely on.
func (c *Config) Validate() error {
	if c.GitHub.Token == "" && c.GitHub.AppID == 0 {
		return fmt.Errorf("github.token or github.app_id/app_private_key is required")
	}
	if c.GitHub.MaxRetries < 0 {
		return fmt.Errorf("github.max_retries must be >= 0")
	}

	if c.Scaling.JITConfig && !c.Scaling.Ephemeral {
		// spec §4.2: "jit-config implies ephemeral semantics when active"
		c.Scaling.Ephemeral = true
	}
	if c.Scaling.MaxRunners < -1 {
		return fmt.Errorf("scaling.max_runners must be >= -1 (-1 disables the cap)")
	}
	if c.Scaling.SecretPacingThreshold < 0 {
		return fmt.Errorf("scaling.secret_pacing_threshold must be >= 0")
	}
	if c.Scaling.WorkerConcurrency <= 0 {
		return fmt.Errorf("scaling.worker_concurrency must be > 0")
	}

	if c.ScaleDown.MinimumRunningTime < 0 {
		return fmt.Errorf("scale_down.minimum_running_time must be >= 0")
	}
	if c.ScaleDown.BootTimeThreshold < 0 {
		return fmt.Errorf("scale_down.boot_time_threshold must be >= 0")
	}
	for _, e := range c.ScaleDown.Schedule {
		if e.EvictionStrategy != "oldest-first" && e.EvictionStrategy != "newest-first" {
			return fmt.Errorf("scale_down schedule entry %q: eviction_strategy must be oldest-first or newest-first", e.Cron)
		}
		if e.IdleCount < 0 {
			return fmt.Errorf("scale_down schedule entry %q: idle_count must be >= 0", e.Cron)
		}
	}

	for _, t := range c.Pool.Targets {
		if t.Target < 0 {
			return fmt.Errorf("pool target %q: target must be >= 0", t.Owner)
		}
	}

	if c.JobRetry.Enable {
		if c.JobRetry.MaxAttempts < 0 {
			return fmt.Errorf("job_retry.max_attempts must be >= 0")
		}
		if c.JobRetry.InitialDelaySeconds < 0 {
			return fmt.Errorf("job_retry.initial_delay_seconds must be >= 0")
		}
		if c.JobRetry.Backoff <= 0 {
			return fmt.Errorf("job_retry.backoff must be > 0")
		}
	}

	if !c.AWS.UseDryRunBackend {
		if c.AWS.Region == "" {
			return fmt.Errorf("aws.region is required unless aws.use_dry_run_backend is set")
		}
		if c.AWS.LaunchTemplateID == "" {
			return fmt.Errorf("aws.launch_template_id is required unless aws.use_dry_run_backend is set")
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leader_election.lease_duration must be > 0")
		}
		if c.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leader_election.renew_deadline must be > 0")
		}
		if c.LeaderElection.RenewDeadline >= c.LeaderElection.LeaseDuration {
			return fmt.Errorf("leader_election.renew_deadline must be < lease_duration")
		}
	}

	return nil
}
