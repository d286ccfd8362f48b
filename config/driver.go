package config

import "time"

type DriverConfig struct {
	// TickInterval is the period of the background driver.
	TickInterval time.Duration `json:"tickInterval,omitempty"`

	// Workers bounds the concurrent units of work per tick.
	Workers int `json:"workers,omitempty"`

	// RescoreBatch bounds how many due records one tick re-scores per owner.
	RescoreBatch int `json:"rescoreBatch,omitempty"`

	// SweepCooldown suppresses repeat sweeps of an owner whose records have
	// not changed since the last sweep.
	SweepCooldown time.Duration `json:"sweepCooldown,omitempty"`

	// SweepCacheSize bounds the recently-swept-owner cache.
	SweepCacheSize int `json:"sweepCacheSize,omitempty"`
}

func NewDriverConfig() *DriverConfig {
	return &DriverConfig{
		TickInterval:   time.Minute,
		Workers:        8,
		RescoreBatch:   128,
		SweepCooldown:  10 * time.Minute,
		SweepCacheSize: 1024,
	}
}
