package gate

import (
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/record"
)

type (
	// Consensus is the deterministic aggregate of one fan-out's results.
	Consensus struct {
		// MeanConfidence is the weighted mean of stance-adjusted
		// confidences: an opposing judgment with confidence c contributes
		// 1-c, so unanimous strong opposition scores near zero.
		MeanConfidence float64
		// Agreement is one minus the normalized confidence spread, capped
		// by the dominant-stance fraction.
		Agreement float64
		Successes int
		Failures  int
	}

	// Decision is what the gate commits for a subject.
	Decision struct {
		Status    record.VerificationStatus
		Score     float64
		Agreement float64
		Reason    string
		Results   []record.EvaluatorResult
	}
)

const (
	ReasonAccepted      = "accepted"
	ReasonQuorumFailure = "quorum-failure"
	ReasonLowConfidence = "low-confidence"
	ReasonLowAgreement  = "low-agreement"
	ReasonAmbiguous     = "ambiguous"
	ReasonDeadline      = "deadline-exceeded"

	// maxSpread is the largest possible population stddev of values in
	// [0,1], used to normalize the agreement measure.
	maxSpread = 0.5
)

// computeConsensus aggregates evaluator results. Results are sorted by
// evaluator name first so a fixed result set always yields the same
// floating-point outcome.
func computeConsensus(results []record.EvaluatorResult, weights map[string]float64) Consensus {
	ordered := append([]record.EvaluatorResult(nil), results...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Evaluator < ordered[j].Evaluator
	})

	successes := lo.Filter(ordered, func(r record.EvaluatorResult, _ int) bool {
		return r.Success
	})

	c := Consensus{
		Successes: len(successes),
		Failures:  len(ordered) - len(successes),
	}
	if len(successes) == 0 {
		return c
	}

	confidences := make([]float64, len(successes))
	ws := make([]float64, len(successes))
	stances := make(map[string]int)
	for i, r := range successes {
		confidences[i] = adjustedConfidence(r)
		ws[i] = weightOf(weights, r.Evaluator)
		stances[r.Stance]++
	}

	c.MeanConfidence = stat.Mean(confidences, ws)

	spread := 0.0
	if len(confidences) > 1 {
		spread = stat.PopStdDev(confidences, ws)
	}
	agreement := 1 - spread/maxSpread
	if agreement < 0 {
		agreement = 0
	}

	dominant := 0
	for _, count := range stances {
		if count > dominant {
			dominant = count
		}
	}
	stanceFraction := float64(dominant) / float64(len(successes))
	if stanceFraction < agreement {
		agreement = stanceFraction
	}
	c.Agreement = agreement

	return c
}

func adjustedConfidence(r record.EvaluatorResult) float64 {
	switch r.Stance {
	case evaluator.StanceOppose:
		return 1 - r.Confidence
	case evaluator.StanceAbstain:
		return 0.5
	}
	return r.Confidence
}

func weightOf(weights map[string]float64, name string) float64 {
	if w, ok := weights[name]; ok && w > 0 {
		return w
	}
	return 1
}

// decide maps a consensus onto a terminal status. Uncertainty never
// accepts: everything outside the explicit accept band is Rejected.
func decide(c Consensus, conf *config.GateConfig) (record.VerificationStatus, string) {
	if c.Successes < conf.QuorumFloor {
		return record.StatusRejected, ReasonQuorumFailure
	}
	if c.MeanConfidence <= conf.RejectThreshold {
		return record.StatusRejected, ReasonLowConfidence
	}
	if c.MeanConfidence >= conf.AcceptThreshold {
		if c.Agreement >= conf.MinAgreement {
			return record.StatusVerified, ReasonAccepted
		}
		return record.StatusRejected, ReasonLowAgreement
	}
	return record.StatusRejected, ReasonAmbiguous
}
