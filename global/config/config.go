package config

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"WorkChat/tools/errs"
)

// CoreConfig holds every externally tunable constant of the coordination
// core. Zero values are normalized to the documented defaults by norm().
type CoreConfig struct {
	NodeID int64 `json:"node_id" mapstructure:"node_id"`

	// Presence
	AwayTimeout     time.Duration `json:"away_timeout" mapstructure:"away_timeout"`         // online -> away
	OfflineTimeout  time.Duration `json:"offline_timeout" mapstructure:"offline_timeout"`   // away -> offline
	PresenceSweep   time.Duration `json:"presence_sweep" mapstructure:"presence_sweep"`     // lost-timer guard
	PresenceMirror  bool          `json:"presence_mirror" mapstructure:"presence_mirror"`   // mirror to redis
	PresenceTTL     time.Duration `json:"presence_ttl" mapstructure:"presence_ttl"`         // redis key ttl
	TypingTTL       time.Duration `json:"typing_ttl" mapstructure:"typing_ttl"`             // typing indicator expiry
	MemberTimeout   time.Duration `json:"member_timeout" mapstructure:"member_timeout"`     // workspace idle force-leave
	RecentCacheSize int           `json:"recent_cache_size" mapstructure:"recent_cache_size"`

	// Message buffer
	BatchSize    int           `json:"batch_size" mapstructure:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`
	DrainTimeout time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"` // shutdown flush deadline

	// Notification dispatcher
	NotifyBatchSize   int           `json:"notify_batch_size" mapstructure:"notify_batch_size"`
	NotifyBatchWait   time.Duration `json:"notify_batch_wait" mapstructure:"notify_batch_wait"`
	NotifyMaxRetries  int           `json:"notify_max_retries" mapstructure:"notify_max_retries"`
	NotifyBackoffBase time.Duration `json:"notify_backoff_base" mapstructure:"notify_backoff_base"`
	FailedListMax     int           `json:"failed_list_max" mapstructure:"failed_list_max"`
	FailedMaxAge      time.Duration `json:"failed_max_age" mapstructure:"failed_max_age"`
	FailedSweepEvery  time.Duration `json:"failed_sweep_every" mapstructure:"failed_sweep_every"`

	// Upload scheduler
	MaxConcurrentJobs int `json:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	JobMaxRetries     int `json:"job_max_retries" mapstructure:"job_max_retries"`

	// Supervisor
	RestartBudget int           `json:"restart_budget" mapstructure:"restart_budget"`
	RestartWindow time.Duration `json:"restart_window" mapstructure:"restart_window"`

	// Ops endpoint
	OpsPort int `json:"ops_port" mapstructure:"ops_port"`
}

// Default returns a config with every field at its documented default.
func Default() CoreConfig {
	var c CoreConfig
	c.Norm()
	return c
}

// Norm fills zero fields with defaults, ManagerConf style.
func (c *CoreConfig) Norm() {
	if c.NodeID <= 0 {
		c.NodeID = 1
	}
	if c.AwayTimeout <= 0 {
		c.AwayTimeout = 5 * time.Minute
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = 30 * time.Second
	}
	if c.PresenceSweep <= 0 {
		c.PresenceSweep = 60 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 2 * c.AwayTimeout
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 3 * time.Second
	}
	if c.MemberTimeout <= 0 {
		c.MemberTimeout = 5 * time.Minute
	}
	if c.RecentCacheSize <= 0 {
		c.RecentCacheSize = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * time.Second
	}
	if c.NotifyBatchSize <= 0 {
		c.NotifyBatchSize = 50
	}
	if c.NotifyBatchWait <= 0 {
		c.NotifyBatchWait = 2 * time.Second
	}
	if c.NotifyMaxRetries <= 0 {
		c.NotifyMaxRetries = 3
	}
	if c.NotifyBackoffBase <= 0 {
		c.NotifyBackoffBase = time.Second
	}
	if c.FailedListMax <= 0 {
		c.FailedListMax = 1000
	}
	if c.FailedMaxAge <= 0 {
		c.FailedMaxAge = 24 * time.Hour
	}
	if c.FailedSweepEvery <= 0 {
		c.FailedSweepEvery = time.Hour
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 5
	}
	if c.JobMaxRetries <= 0 {
		c.JobMaxRetries = 3
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 60 * time.Second
	}
	if c.OpsPort <= 0 {
		c.OpsPort = 8089
	}
}

// Apply overlays values from a raw map (config center push, env snapshot)
// onto c. Unknown keys are ignored, strings like "5m" decode into durations.
func (c *CoreConfig) Apply(raw map[string]any) error {
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           c,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	}
	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return errs.WrapMsg(err, "build config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return errs.WrapMsg(err, "decode config overlay")
	}
	c.Norm()
	return nil
}
