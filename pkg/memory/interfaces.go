package memory

import (
	"context"
	"time"
)

// ScoreRequest is the input contract of the scoring oracle.
type ScoreRequest struct {
	Snippet            string
	TopicFrequency     int
	AgeDays            int
	ExplicitMarkerHits int
}

// ScoreOracle assigns an importance score to a conversation snippet.
// Out-of-range or malformed results are handled by the caller's fallback,
// implementations should return ErrOracleMalformed when they cannot parse
// their backend's output.
type ScoreOracle interface {
	Score(ctx context.Context, req ScoreRequest) (ImportanceScore, error)
}

// DigestRequest is the input contract of the summarization oracle: the
// ordered contents of the buckets covering one period.
type DigestRequest struct {
	TargetTier  Tier
	PeriodLabel string
	Buckets     []Bucket
}

// Digest is the structured output of the summarization oracle.
type Digest struct {
	Text      string   `json:"text"`
	Themes    []string `json:"themes"`
	Decisions []string `json:"decisions"`
	Recurring []string `json:"recurring"`
	CrossRefs []string `json:"cross_refs"`
}

// SummaryOracle compacts a period of bucket contents into a digest.
type SummaryOracle interface {
	Digest(ctx context.Context, req DigestRequest) (Digest, error)
}

// TierMetadata describes one candidate bucket for relevance ranking.
type TierMetadata struct {
	BucketID    string
	Tier        Tier
	PeriodStart time.Time
	Themes      []string
}

// RankRequest is the input contract of the ranking oracle.
type RankRequest struct {
	Query      string
	Candidates []TierMetadata
}

// RankOracle selects the subset of candidate buckets relevant to a query,
// most relevant first.
type RankOracle interface {
	Rank(ctx context.Context, req RankRequest) ([]string, error)
}

// Clock is the injected time source. Production uses SystemClock, tests
// drive the scheduler with fixed clocks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
