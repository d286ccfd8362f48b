package config

type DedupConfig struct {
	// CandidateTopK bounds the approximate-nearest-neighbor query used for
	// near-duplicate candidate generation. Never a full corpus scan.
	CandidateTopK int `json:"candidateTopK,omitempty"`

	// AutoMergeThreshold is the cosine similarity at or above which a pair
	// merges without verification.
	AutoMergeThreshold float64 `json:"autoMergeThreshold,omitempty"`

	// ReviewThreshold is the lower bound of the ambiguous band. Pairs in
	// [ReviewThreshold, AutoMergeThreshold) go through the verification gate.
	ReviewThreshold float64 `json:"reviewThreshold,omitempty"`

	// MergeStrategy selects how merged content is produced:
	// "exact-replace", "content-union", or "representative-pick".
	MergeStrategy string `json:"mergeStrategy,omitempty"`
}

func NewDedupConfig() *DedupConfig {
	return &DedupConfig{
		CandidateTopK:      16,
		AutoMergeThreshold: 0.95,
		ReviewThreshold:    0.85,
		MergeStrategy:      "representative-pick",
	}
}
