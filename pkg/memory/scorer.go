package memory

import (
	"context"
	"strings"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
)

// Retention is the disposition of an entry derived from its total score.
type Retention int

const (
	// RetainDrop: score 0-1, a soft trim reduces the entry to one line.
	RetainDrop Retention = iota
	// RetainArchive: score 2-4, kept until the bucket is promoted.
	RetainArchive
	// RetainSummary: score 5-7, guaranteed a place in the digest.
	RetainSummary
	// RetainPersistent: score 8-10, candidate for the protected set.
	RetainPersistent
)

// RetentionOf maps a total score to its retention class.
func RetentionOf(total int) Retention {
	switch {
	case total >= 8:
		return RetainPersistent
	case total >= 5:
		return RetainSummary
	case total >= 2:
		return RetainArchive
	default:
		return RetainDrop
	}
}

var explicitMarkers = []string{
	"remember", "don't forget", "dont forget", "important",
	"note that", "keep in mind", "make sure", "never forget",
}

var temporaryMarkers = []string{
	"for now", "just today", "today only", "temporarily",
	"this once", "just this time", "for the moment",
}

var relevanceMarkers = []string{
	"prefer", "favorite", "favourite", "always", "never",
	"decided", "decision", "allerg", "my name", "i am", "i'm",
	"birthday", "deadline", "i work", "i live",
}

// Scorer assigns each conversation entry an importance score from four
// components. The oracle does the judgement call; every component stays
// computable locally so a dead oracle degrades to deterministic scores
// instead of blocking retention.
type Scorer struct {
	oracle ScoreOracle
	topics *TopicStore
	clock  Clock
}

func NewScorer(oracle ScoreOracle, topics *TopicStore, clock Clock) *Scorer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scorer{oracle: oracle, topics: topics, clock: clock}
}

// Score computes the importance of one entry. Entries that only state
// something transient are zero-scored without consulting the oracle.
func (sc *Scorer) Score(ctx context.Context, userID string, e Entry) ImportanceScore {
	lower := strings.ToLower(e.Text)
	if markerHits(lower, temporaryMarkers) > 0 {
		return ImportanceScore{Reasoning: "transient statement, not retained"}
	}

	freq := 0
	if sc.topics != nil {
		n, err := sc.topics.Frequency(userID, e.Text)
		if err != nil {
			logger.WarnCF("scorer", "Topic frequency lookup failed", map[string]interface{}{
				"user": userID, "error": err.Error(),
			})
		}
		freq = n
	}
	ageDays := int(sc.clock.Now().Sub(e.Timestamp).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}
	explicitHits := markerHits(lower, explicitMarkers)

	if sc.oracle != nil {
		score, err := sc.oracle.Score(ctx, ScoreRequest{
			Snippet:            e.Text,
			TopicFrequency:     freq,
			AgeDays:            ageDays,
			ExplicitMarkerHits: explicitHits,
		})
		if err == nil && score.InBounds() {
			// Frequency and recency are computable from recorded history;
			// the oracle may shade them by one point at most, so rescoring
			// the same entry cannot drift.
			ref := fallbackScore(freq, ageDays)
			score.Frequency = clampNear(score.Frequency, ref.Frequency)
			score.Recency = clampNear(score.Recency, ref.Recency)
			return score
		}
		if err != nil {
			logger.WarnCF("scorer", "Oracle scoring failed, using rule fallback", map[string]interface{}{
				"user": userID, "error": err.Error(),
			})
		} else {
			logger.WarnC("scorer", "Oracle score out of bounds, using rule fallback")
		}
	}
	return fallbackScore(freq, ageDays)
}

// fallbackScore is the deterministic path when the oracle is down or
// returns garbage. Only frequency and recency can be derived from
// recorded history; the judgement components stay zero.
func fallbackScore(freq, ageDays int) ImportanceScore {
	s := ImportanceScore{Reasoning: "rule fallback"}
	switch {
	case freq >= 10:
		s.Frequency = 3
	case freq >= 4:
		s.Frequency = 2
	case freq >= 2:
		s.Frequency = 1
	}
	switch {
	case ageDays <= 7:
		s.Recency = 2
	case ageDays <= 30:
		s.Recency = 1
	}
	return s
}

// HeuristicScore scores without any oracle at all, including the marker
// based approximations of the judgement components. Used for backfill
// when an entry must be classified synchronously.
func (sc *Scorer) HeuristicScore(userID string, e Entry) ImportanceScore {
	lower := strings.ToLower(e.Text)
	if markerHits(lower, temporaryMarkers) > 0 {
		return ImportanceScore{Reasoning: "transient statement, not retained"}
	}
	freq := 0
	if sc.topics != nil {
		freq, _ = sc.topics.Frequency(userID, e.Text)
	}
	ageDays := int(sc.clock.Now().Sub(e.Timestamp).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}
	s := fallbackScore(freq, ageDays)
	switch hits := markerHits(lower, explicitMarkers); {
	case hits >= 2:
		s.Explicit = 2
	case hits == 1:
		s.Explicit = 1
	}
	rel := markerHits(lower, relevanceMarkers)
	if rel > 3 {
		rel = 3
	}
	s.Relevance = rel
	s.Reasoning = "heuristic score"
	return s
}

// clampNear bounds v to within one point of the rule-derived reference.
func clampNear(v, ref int) int {
	if v > ref+1 {
		return ref + 1
	}
	if v < ref-1 {
		return ref - 1
	}
	return v
}

func markerHits(lowerText string, markers []string) int {
	hits := 0
	for _, m := range markers {
		if strings.Contains(lowerText, m) {
			hits++
		}
	}
	return hits
}
