package config

import "time"

type GateConfig struct {
	// FanOut caps how many of the configured evaluators are consulted per
	// execution, in configured order. Zero consults all of them.
	FanOut int `json:"fanOut,omitempty"`

	// QuorumFloor is the minimum number of successful evaluator responses
	// for any decision other than the default Rejected.
	QuorumFloor int `json:"quorumFloor,omitempty"`

	// AcceptThreshold and RejectThreshold bound the weighted mean
	// confidence. Between them the subject is Rejected by default.
	AcceptThreshold float64 `json:"acceptThreshold,omitempty"`
	RejectThreshold float64 `json:"rejectThreshold,omitempty"`

	// MinAgreement is the minimum agreement measure (1 - normalized
	// confidence spread) required for a Verified outcome.
	MinAgreement float64 `json:"minAgreement,omitempty"`

	// EvaluatorTimeout bounds each evaluator call; Deadline bounds the
	// whole execution, after which the subject is forced to Rejected.
	EvaluatorTimeout time.Duration `json:"evaluatorTimeout,omitempty"`
	Deadline         time.Duration `json:"deadline,omitempty"`

	// EvaluatorRetries caps retries per evaluator call.
	EvaluatorRetries int `json:"evaluatorRetries,omitempty"`

	// RetryBackoff is the initial backoff between evaluator retries,
	// doubled on each attempt.
	RetryBackoff time.Duration `json:"retryBackoff,omitempty"`

	// TrailCap bounds the per-record evaluator result trail; older entries
	// are folded into a summary.
	TrailCap int `json:"trailCap,omitempty"`
}

func NewGateConfig() *GateConfig {
	return &GateConfig{
		FanOut:           3,
		QuorumFloor:      2,
		AcceptThreshold:  0.80,
		RejectThreshold:  0.40,
		MinAgreement:     0.70,
		EvaluatorTimeout: 30 * time.Second,
		Deadline:         2 * time.Minute,
		EvaluatorRetries: 2,
		RetryBackoff:     500 * time.Millisecond,
		TrailCap:         12,
	}
}
