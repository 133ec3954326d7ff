package quota

import "github.com/relaymesh/relayd/pkg/models"

// Kind names a reservable plan resource.
type Kind string

const (
	// KindSession reserves a session slot
	KindSession Kind = "session"
	// KindPair reserves a forwarding-pair slot
	KindPair Kind = "pair"
)

// TierLimits holds the numeric limits of one plan tier. models.Unlimited
// (-1) disables a ceiling.
type TierLimits struct {
	MaxSessions int `yaml:"max_sessions"`
	MaxPairs    int `yaml:"max_pairs"`
	Priority    int `yaml:"priority"`
	HourlyAPI   int `yaml:"hourly"`
	DailyAPI    int `yaml:"daily"`
}

// DefaultLimits returns the normative tier table. Configuration may
// override individual tiers.
func DefaultLimits() map[models.Tier]TierLimits {
	return map[models.Tier]TierLimits{
		models.TierFree:  {MaxSessions: 1, MaxPairs: 5, Priority: 1, HourlyAPI: 100, DailyAPI: 1000},
		models.TierPro:   {MaxSessions: 3, MaxPairs: models.Unlimited, Priority: 2, HourlyAPI: 300, DailyAPI: 5000},
		models.TierElite: {MaxSessions: 5, MaxPairs: models.Unlimited, Priority: 3, HourlyAPI: 500, DailyAPI: 10000},
		models.TierAdmin: {
			MaxSessions: models.Unlimited, MaxPairs: models.Unlimited, Priority: 5,
			HourlyAPI: models.Unlimited, DailyAPI: models.Unlimited,
		},
	}
}
