package config

import (
	"fmt"
)

// Validate checks the merged configuration. Fail-fast: the first problem
// is returned, wrapped with its section and field.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "bolt":
		if c.Store.Path == "" {
			return NewValidationError("store", "path", fmt.Errorf("%w: required for the bolt backend", ErrInvalidValue))
		}
	case "postgres":
		if c.Store.DSN == "" {
			return NewValidationError("store", "dsn", fmt.Errorf("%w: required for the postgres backend", ErrInvalidValue))
		}
	default:
		return NewValidationError("store", "backend",
			fmt.Errorf("%w: %q (want bolt or postgres)", ErrInvalidValue, c.Store.Backend))
	}

	if c.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if c.Server.WriteTimeout <= 0 {
		return NewValidationError("server", "write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	durations := []struct {
		section, field string
		value          Duration
	}{
		{"scheduler", "liveness_window_ms", c.Scheduler.LivenessWindowMS},
		{"scheduler", "heartbeat_interval_ms", c.Scheduler.HeartbeatIntervalMS},
		{"scheduler", "queue_max_age_ms", c.Scheduler.QueueMaxAgeMS},
		{"scheduler", "scaling_cooldown_ms", c.Scheduler.ScalingCooldownMS},
		{"pipeline", "retry_base", c.Pipeline.RetryBase},
		{"pipeline", "retry_cap", c.Pipeline.RetryCap},
		{"sync", "poll_interval", c.Sync.PollInterval},
		{"sync", "approval_max_age", c.Sync.ApprovalMaxAge},
		{"platform", "control_push_interval", c.Platform.ControlPushInterval},
		{"retention", "interval", c.Retention.Interval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return NewValidationError(d.section, d.field, fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}

	if c.Scheduler.LivenessWindowMS.Std() <= c.Scheduler.HeartbeatIntervalMS.Std() {
		return NewValidationError("scheduler", "liveness_window_ms",
			fmt.Errorf("%w: must exceed heartbeat_interval_ms", ErrInvalidValue))
	}

	if c.Pipeline.QueueCapacity < 1 {
		return NewValidationError("pipeline", "queue_capacity", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if c.Pipeline.DefaultRetryMax < 0 {
		return NewValidationError("pipeline", "default_retry_max", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if c.Platform.CallsPerSecond <= 0 {
		return NewValidationError("platform", "calls_per_second", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	if !c.Quota.DefaultPlan.IsValid() {
		return NewValidationError("quota", "default_plan",
			fmt.Errorf("%w: unknown tier %q", ErrInvalidValue, c.Quota.DefaultPlan))
	}
	for tier, ov := range c.Quota.PerTier {
		if !tier.IsValid() {
			return NewValidationError("quota", "per_tier",
				fmt.Errorf("%w: unknown tier %q", ErrInvalidValue, tier))
		}
		for field, v := range map[string]*int{
			"max_sessions": ov.MaxSessions,
			"max_pairs":    ov.MaxPairs,
			"hourly":       ov.Hourly,
			"daily":        ov.Daily,
		} {
			if v != nil && *v < -1 {
				return NewValidationError("quota",
					fmt.Sprintf("per_tier.%s.%s", tier, field),
					fmt.Errorf("%w: must be -1 (unlimited) or non-negative", ErrInvalidValue))
			}
		}
		if ov.Priority != nil && *ov.Priority < 0 {
			return NewValidationError("quota",
				fmt.Sprintf("per_tier.%s.priority", tier),
				fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
	}

	return nil
}
