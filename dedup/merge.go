package dedup

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/evermind-ai/retention/record"
)

// pickSurvivor selects the record the group collapses into. The tie-break
// is total so two sweeps over the same group always agree: importance
// desc, then created-at desc, then id asc.
func pickSurvivor(group []*record.Record) *record.Record {
	ranked := append([]*record.Record(nil), group...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Importance != ranked[j].Importance {
			return ranked[i].Importance > ranked[j].Importance
		}
		if !ranked[i].CreatedAt.Equal(ranked[j].CreatedAt) {
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked[0]
}

// mergedContent produces the survivor's content under the configured
// strategy. Exact-replace and representative-pick both resolve to the
// survivor's own content; content-union asks the summarizer to fold every
// distinct observation into one.
func (e *Engine) mergedContent(ctx context.Context, strategy record.MergeStrategy, survivor *record.Record, group []*record.Record) (string, error) {
	if strategy != record.StrategyContentUnion || e.summarizer == nil {
		return survivor.Content, nil
	}
	contents := lo.Map(group, func(rec *record.Record, _ int) string { return rec.Content })
	return e.summarizer.Summarize(ctx, contents)
}

// foldInto rewrites the survivor's derived state from the whole group.
// The decay score is recomputed from the union of evidence, not copied:
// independently accumulated trust in duplicates compounds.
func foldInto(survivor *record.Record, group []*record.Record, content string, now time.Time) {
	keep := 1.0
	accessCount := 0
	lastAccessed := survivor.LastAccessedAt
	importance := survivor.Importance

	for _, rec := range group {
		keep *= 1 - rec.DecayScore
		accessCount += rec.AccessCount
		if rec.LastAccessedAt.After(lastAccessed) {
			lastAccessed = rec.LastAccessedAt
		}
		if rec.Importance > importance {
			importance = rec.Importance
		}
		if rec.ID == survivor.ID {
			continue
		}
		survivor.Lineage = append(survivor.Lineage, rec.Lineage...)
		survivor.Lineage = append(survivor.Lineage, rec.ID)
	}

	survivor.DecayScore = 1 - keep
	survivor.AccessCount = accessCount
	survivor.LastAccessedAt = lastAccessed
	survivor.Importance = importance
	survivor.LastRescoredAt = now

	if content != survivor.Content {
		survivor.Content = content
		survivor.Fingerprint = record.Fingerprint(content)
		// New content is a new claim; it re-earns verification.
		survivor.Status = record.StatusUnverified
		survivor.ConsensusScore = 0
	}
}
