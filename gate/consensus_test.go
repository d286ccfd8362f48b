package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/evaluator"
	"github.com/evermind-ai/retention/record"
)

func supportResult(name string, confidence float64) record.EvaluatorResult {
	return record.EvaluatorResult{Evaluator: name, Stance: evaluator.StanceSupport, Confidence: confidence, Success: true}
}

func TestConsensusIsOrderInsensitive(t *testing.T) {
	forward := []record.EvaluatorResult{
		supportResult("a", 0.92),
		supportResult("b", 0.88),
		supportResult("c", 0.90),
	}
	backward := []record.EvaluatorResult{forward[2], forward[0], forward[1]}

	assert.Equal(t, computeConsensus(forward, nil), computeConsensus(backward, nil))
}

func TestConsensusUnanimousSupport(t *testing.T) {
	c := computeConsensus([]record.EvaluatorResult{
		supportResult("a", 0.92),
		supportResult("b", 0.88),
		supportResult("c", 0.90),
	}, nil)

	assert.Equal(t, 3, c.Successes)
	assert.InDelta(t, 0.90, c.MeanConfidence, 1e-9)
	assert.Greater(t, c.Agreement, 0.9)

	status, reason := decide(c, config.NewGateConfig())
	assert.Equal(t, record.StatusVerified, status)
	assert.Equal(t, ReasonAccepted, reason)
}

func TestConsensusOppositionInvertsConfidence(t *testing.T) {
	c := computeConsensus([]record.EvaluatorResult{
		{Evaluator: "a", Stance: evaluator.StanceOppose, Confidence: 0.9, Success: true},
		{Evaluator: "b", Stance: evaluator.StanceOppose, Confidence: 0.85, Success: true},
		{Evaluator: "c", Stance: evaluator.StanceOppose, Confidence: 0.95, Success: true},
	}, nil)

	assert.InDelta(t, 0.10, c.MeanConfidence, 1e-9)

	status, reason := decide(c, config.NewGateConfig())
	assert.Equal(t, record.StatusRejected, status)
	assert.Equal(t, ReasonLowConfidence, reason)
}

func TestConsensusHighMeanLowAgreementRejects(t *testing.T) {
	// Two strong supporters and one strong dissent: the mean clears an
	// accept threshold of 0.6 but the spread does not.
	c := computeConsensus([]record.EvaluatorResult{
		supportResult("a", 0.95),
		{Evaluator: "b", Stance: evaluator.StanceOppose, Confidence: 0.80, Success: true},
		supportResult("c", 0.91),
	}, nil)

	assert.InDelta(t, 0.686667, c.MeanConfidence, 1e-4)
	assert.Less(t, c.Agreement, 0.7)

	conf := config.NewGateConfig()
	conf.AcceptThreshold = 0.6
	status, reason := decide(c, conf)
	assert.Equal(t, record.StatusRejected, status)
	assert.Equal(t, ReasonLowAgreement, reason)
}

func TestConsensusQuorumFloor(t *testing.T) {
	c := computeConsensus([]record.EvaluatorResult{
		supportResult("a", 0.99),
		{Evaluator: "b", Success: false, Err: "timeout"},
		{Evaluator: "c", Success: false, Err: "timeout"},
	}, nil)

	assert.Equal(t, 1, c.Successes)
	assert.Equal(t, 2, c.Failures)

	status, reason := decide(c, config.NewGateConfig())
	assert.Equal(t, record.StatusRejected, status)
	assert.Equal(t, ReasonQuorumFailure, reason)
}

func TestConsensusMiddleBandIsAmbiguous(t *testing.T) {
	c := computeConsensus([]record.EvaluatorResult{
		supportResult("a", 0.6),
		supportResult("b", 0.6),
		supportResult("c", 0.6),
	}, nil)

	status, reason := decide(c, config.NewGateConfig())
	assert.Equal(t, record.StatusRejected, status)
	assert.Equal(t, ReasonAmbiguous, reason)
}

func TestConsensusWeightsShiftTheMean(t *testing.T) {
	results := []record.EvaluatorResult{
		supportResult("trusted", 0.95),
		supportResult("noisy", 0.55),
	}

	unweighted := computeConsensus(results, nil)
	weighted := computeConsensus(results, map[string]float64{"trusted": 3})
	assert.Greater(t, weighted.MeanConfidence, unweighted.MeanConfidence)
}

func TestConsensusAbstainPullsTowardCenter(t *testing.T) {
	c := computeConsensus([]record.EvaluatorResult{
		{Evaluator: "a", Stance: evaluator.StanceAbstain, Confidence: 0.9, Success: true},
		{Evaluator: "b", Stance: evaluator.StanceAbstain, Confidence: 0.2, Success: true},
	}, nil)
	assert.InDelta(t, 0.5, c.MeanConfidence, 1e-9)
}
