package config

import "time"

// LifecycleConfig tunes the tier state machine. Thresholds are operator
// tuned; the defaults here are starting points, not contracts.
type LifecycleConfig struct {
	// AccessBoost is the fraction of remaining headroom added to the decay
	// score on each recorded access: d += (1-d)*AccessBoost
	AccessBoost float64 `json:"accessBoost,omitempty"`

	// DecayRatePerHour is the exponential attenuation constant applied on
	// scheduled re-scores.
	DecayRatePerHour float64 `json:"decayRatePerHour,omitempty"`

	// PromoteAbove maps a tier to the decay score above which a promotion
	// out of that tier is proposed.
	PromoteAboveWorking   float64 `json:"promoteAboveWorking,omitempty"`
	PromoteAboveShortTerm float64 `json:"promoteAboveShortTerm,omitempty"`

	// DemoteBelow maps a tier to the decay score below which the record is
	// demoted (or archived directly from working).
	DemoteBelowWorking   float64 `json:"demoteBelowWorking,omitempty"`
	DemoteBelowShortTerm float64 `json:"demoteBelowShortTerm,omitempty"`
	DemoteBelowLongTerm  float64 `json:"demoteBelowLongTerm,omitempty"`

	// PromotionCooldown is the base suppression window after a rejected
	// promotion. It scales linearly with the rejection count.
	PromotionCooldown time.Duration `json:"promotionCooldown,omitempty"`
}

func NewLifecycleConfig() *LifecycleConfig {
	return &LifecycleConfig{
		AccessBoost:           0.25,
		DecayRatePerHour:      0.02,
		PromoteAboveWorking:   0.75,
		PromoteAboveShortTerm: 0.85,
		DemoteBelowWorking:    0.10,
		DemoteBelowShortTerm:  0.20,
		DemoteBelowLongTerm:   0.15,
		PromotionCooldown:     time.Hour,
	}
}
