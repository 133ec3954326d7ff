package config

import (
	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
)

// QuotaLimits layers the per_tier overrides over the built-in tier table
// and returns the map the quota manager consumes.
func (c *Config) QuotaLimits() map[models.Tier]quota.TierLimits {
	limits := quota.DefaultLimits()
	for tier, ov := range c.Quota.PerTier {
		l := limits[tier]
		if ov.MaxSessions != nil {
			l.MaxSessions = *ov.MaxSessions
		}
		if ov.MaxPairs != nil {
			l.MaxPairs = *ov.MaxPairs
		}
		if ov.Priority != nil {
			l.Priority = *ov.Priority
		}
		if ov.Hourly != nil {
			l.HourlyAPI = *ov.Hourly
		}
		if ov.Daily != nil {
			l.DailyAPI = *ov.Daily
		}
		limits[tier] = l
	}
	return limits
}
