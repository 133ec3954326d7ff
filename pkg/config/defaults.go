package config

import (
	"time"

	"github.com/relaymesh/relayd/pkg/models"
)

// DefaultConfig returns the built-in configuration. User YAML merges over
// it, so every field here must be a sane production value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			WriteTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend: "bolt",
			Path:    "relayd.db",
		},
		Scheduler: SchedulerConfig{
			LivenessWindowMS:    Duration(30 * time.Second),
			HeartbeatIntervalMS: Duration(10 * time.Second),
			QueueMaxAgeMS:       Duration(time.Hour),
			ScalingCooldownMS:   Duration(5 * time.Minute),
		},
		Pipeline: PipelineConfig{
			QueueCapacity:   256,
			DefaultRetryMax: 3,
			RetryBase:       Duration(500 * time.Millisecond),
			RetryCap:        Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			PollInterval:   Duration(5 * time.Second),
			ApprovalMaxAge: Duration(24 * time.Hour),
		},
		Platform: PlatformConfig{
			CallsPerSecond:      10,
			ControlPushInterval: Duration(2 * time.Second),
		},
		Quota: QuotaConfig{
			DefaultPlan: models.TierFree,
		},
		Retention: RetentionConfig{
			Interval:          Duration(time.Hour),
			ForwardingLogs:    Duration(30 * 24 * time.Hour),
			WorkerAnalytics:   Duration(7 * 24 * time.Hour),
			QueueHistory:      Duration(24 * time.Hour),
			ScalingEvents:     Duration(30 * 24 * time.Hour),
			OrphanedTrackers:  Duration(7 * 24 * time.Hour),
			DeliveredControls: Duration(24 * time.Hour),
		},
	}
}
