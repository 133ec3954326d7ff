// Package config loads and validates the relayd.yaml runtime configuration.
// Loading is a fixed pipeline: read YAML, expand {{.ENV_VAR}} templates,
// merge over built-in defaults, validate. The result is immutable for the
// life of the process.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relayd/pkg/models"
)

// Duration is a YAML-friendly time.Duration. It accepts either a Go
// duration string ("30s", "5m") or a bare integer of milliseconds, which
// keeps the *_ms option names meaningful.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer milliseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Sync      SyncConfig      `yaml:"sync"`
	Platform  PlatformConfig  `yaml:"platform"`
	Quota     QuotaConfig     `yaml:"quota"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// ListenAddr is the bind address of the admin and worker API.
	ListenAddr string `yaml:"listen_addr"`
	// AdminToken authenticates the /api/v1 surface.
	AdminToken string `yaml:"admin_token"`
	// AllowedWSOrigins restricts WebSocket upgrades; empty allows same-origin only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
	// WriteTimeout bounds one WebSocket send.
	WriteTimeout Duration `yaml:"write_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "bolt" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the bolt database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// SchedulerConfig holds placement and liveness tunables. Names follow the
// runtime option table.
type SchedulerConfig struct {
	LivenessWindowMS    Duration `yaml:"liveness_window_ms"`
	HeartbeatIntervalMS Duration `yaml:"heartbeat_interval_ms"`
	QueueMaxAgeMS       Duration `yaml:"queue_max_age_ms"`
	ScalingCooldownMS   Duration `yaml:"scaling_cooldown_ms"`
}

// LivenessScanInterval is the registry sweep cadence: half the heartbeat
// interval, so a worker that goes silent is noticed within one beat of
// the liveness window's edge.
func (s SchedulerConfig) LivenessScanInterval() time.Duration {
	return s.HeartbeatIntervalMS.Std() / 2
}

// PipelineConfig holds forwarding pipeline tunables.
type PipelineConfig struct {
	QueueCapacity   int      `yaml:"queue_capacity"`
	DefaultRetryMax int      `yaml:"default_retry_max"`
	RetryBase       Duration `yaml:"retry_base"`
	RetryCap        Duration `yaml:"retry_cap"`
}

// SyncConfig holds edit/delete propagation and approval poller tunables.
type SyncConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	ApprovalMaxAge Duration `yaml:"approval_max_age"`
}

// PlatformConfig holds worker client tunables.
type PlatformConfig struct {
	// CallsPerSecond paces outbound calls per worker.
	CallsPerSecond float64 `yaml:"calls_per_second"`
	// ControlPushInterval paces the pending-control push loop.
	ControlPushInterval Duration `yaml:"control_push_interval"`
}

// TierOverride overrides one tier's built-in quota numbers. Nil fields keep
// the defaults; use -1 for unlimited.
type TierOverride struct {
	MaxSessions *int `yaml:"max_sessions,omitempty"`
	MaxPairs    *int `yaml:"max_pairs,omitempty"`
	Priority    *int `yaml:"priority,omitempty"`
	Hourly      *int `yaml:"hourly,omitempty"`
	Daily       *int `yaml:"daily,omitempty"`
}

// QuotaConfig holds plan defaults and per-tier overrides.
type QuotaConfig struct {
	// DefaultPlan is the tier assigned to new registrations.
	DefaultPlan models.Tier `yaml:"default_plan"`
	// PerTier overrides the built-in tier table, keyed by tier name.
	PerTier map[models.Tier]TierOverride `yaml:"per_tier"`
}

// RetentionConfig holds the cleanup loop's windows.
type RetentionConfig struct {
	// Interval paces the cleanup scan.
	Interval Duration `yaml:"interval"`
	// ForwardingLogs is how long outcome rows are kept.
	ForwardingLogs Duration `yaml:"forwarding_logs"`
	// WorkerAnalytics is how long heartbeat samples are kept.
	WorkerAnalytics Duration `yaml:"worker_analytics"`
	// QueueHistory is how long settled queue items are kept.
	QueueHistory Duration `yaml:"queue_history"`
	// ScalingEvents is how long scaling rows are kept.
	ScalingEvents Duration `yaml:"scaling_events"`
	// OrphanedTrackers is how long orphaned tracker rows are kept.
	OrphanedTrackers Duration `yaml:"orphaned_trackers"`
	// DeliveredControls is how long settled control rows are kept.
	DeliveredControls Duration `yaml:"delivered_controls"`
}
