package record

import (
	"time"
)

type (
	// Tier is the lifecycle stage a record occupies. It advances only
	// through adjacent stages and regresses directly to Archived.
	Tier string

	// VerificationStatus is the trust state of a record or proposal.
	VerificationStatus string

	// Record is the unit of retention.
	Record struct {
		ID      string `json:"id"`
		OwnerID string `json:"ownerId"`

		Content     string    `json:"content"`
		Fingerprint string    `json:"fingerprint"`
		Embedding   []float32 `json:"-"`

		Tier           Tier      `json:"tier"`
		DecayScore     float64   `json:"decayScore"`
		Importance     float64   `json:"importance"`
		AccessCount    int       `json:"accessCount"`
		LastAccessedAt time.Time `json:"lastAccessedAt"`
		LastRescoredAt time.Time `json:"lastRescoredAt"`
		CreatedAt      time.Time `json:"createdAt"`

		Status         VerificationStatus `json:"status"`
		ConsensusScore float64            `json:"consensusScore"`
		Trail          []EvaluatorResult  `json:"trail,omitempty"`
		TrailSummary   TrailSummary       `json:"trailSummary"`

		RejectedPromotions     int       `json:"rejectedPromotions"`
		PromotionCooldownUntil time.Time `json:"promotionCooldownUntil"`

		Lineage      []string `json:"lineage,omitempty"`
		Tombstoned   bool     `json:"tombstoned"`
		SupersededBy string   `json:"supersededBy,omitempty"`

		Version uint64 `json:"version"`
	}

	// EvaluatorResult is one external judgment, retained for audit.
	EvaluatorResult struct {
		Evaluator  string        `json:"evaluator"`
		Role       string        `json:"role,omitempty"`
		Stance     string        `json:"stance"`
		Confidence float64       `json:"confidence"`
		Rationale  string        `json:"rationale,omitempty"`
		Latency    time.Duration `json:"latency"`
		Success    bool          `json:"success"`
		Err        string        `json:"error,omitempty"`
	}

	// TrailSummary keeps counts for evaluator results aged out of the
	// bounded trail, so the audit record never grows without limit.
	TrailSummary struct {
		Discarded int     `json:"discarded"`
		Succeeded int     `json:"succeeded"`
		Failed    int     `json:"failed"`
		MeanConf  float64 `json:"meanConfidence"`
	}

	// MergeStrategy selects how merged content is produced.
	MergeStrategy string

	// ConsolidationGroup is an ephemeral merge proposal consumed by the
	// verification gate: accepted, it yields one survivor and N-1
	// tombstones.
	ConsolidationGroup struct {
		OwnerID      string           `json:"ownerId"`
		CandidateIDs []string         `json:"candidateIds"`
		Similarities []PairSimilarity `json:"similarities"`
		Strategy     MergeStrategy    `json:"strategy"`
	}

	PairSimilarity struct {
		A     string  `json:"a,omitempty"`
		B     string  `json:"b,omitempty"`
		Score float64 `json:"score"`
	}
)

const (
	TierWorking   Tier = "working"
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierArchived  Tier = "archived"

	StatusUnverified VerificationStatus = "unverified"
	StatusPending    VerificationStatus = "pending"
	StatusVerified   VerificationStatus = "verified"
	StatusRejected   VerificationStatus = "rejected"

	StrategyExactReplace       MergeStrategy = "exact-replace"
	StrategyContentUnion       MergeStrategy = "content-union"
	StrategyRepresentativePick MergeStrategy = "representative-pick"
)

// Next returns the adjacent promotion target, or the zero Tier when the
// record cannot advance further.
func (t Tier) Next() Tier {
	switch t {
	case TierWorking:
		return TierShortTerm
	case TierShortTerm:
		return TierLongTerm
	}
	return ""
}

// Prev returns the adjacent demotion target. Working has no adjacent lower
// tier; demotion from Working archives directly.
func (t Tier) Prev() Tier {
	switch t {
	case TierLongTerm:
		return TierShortTerm
	case TierShortTerm:
		return TierWorking
	case TierWorking:
		return TierArchived
	}
	return ""
}

func (t Tier) Valid() bool {
	switch t {
	case TierWorking, TierShortTerm, TierLongTerm, TierArchived:
		return true
	}
	return false
}

// Live reports whether the record participates in fingerprint uniqueness
// and candidate generation.
func (r *Record) Live() bool {
	return !r.Tombstoned
}

// AppendTrail appends a result, folding the oldest entries into the
// summary once the cap is exceeded.
func (r *Record) AppendTrail(result EvaluatorResult, limit int) {
	r.Trail = append(r.Trail, result)
	if limit <= 0 || len(r.Trail) <= limit {
		return
	}
	overflow := r.Trail[:len(r.Trail)-limit]
	for _, old := range overflow {
		total := r.TrailSummary.MeanConf * float64(r.TrailSummary.Succeeded)
		if old.Success {
			r.TrailSummary.Succeeded++
			r.TrailSummary.MeanConf = (total + old.Confidence) / float64(r.TrailSummary.Succeeded)
		} else {
			r.TrailSummary.Failed++
		}
		r.TrailSummary.Discarded++
	}
	r.Trail = append([]EvaluatorResult(nil), r.Trail[len(r.Trail)-limit:]...)
}
