package memory

import (
	"fmt"
	"time"
)

// Tier is a retention stage. Buckets move through tiers one way only:
// daily -> weekly -> monthly -> yearly -> archive.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
	TierArchive Tier = "archive"
)

// Rank orders tiers from finest to coarsest granularity.
func (t Tier) Rank() int {
	switch t {
	case TierDaily:
		return 0
	case TierWeekly:
		return 1
	case TierMonthly:
		return 2
	case TierYearly:
		return 3
	case TierArchive:
		return 4
	}
	return -1
}

// Next returns the tier a bucket of this tier is promoted into.
func (t Tier) Next() Tier {
	switch t {
	case TierDaily:
		return TierWeekly
	case TierWeekly:
		return TierMonthly
	case TierMonthly:
		return TierYearly
	default:
		return TierArchive
	}
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// BucketState tags a bucket's lifecycle stage.
type BucketState string

const (
	BucketActive   BucketState = "active"
	BucketPromoted BucketState = "promoted"
)

// ImportanceScore is the four-part 0-10 relevance score of an entry.
// Sub-scores are independently bounded; Total is their sum.
type ImportanceScore struct {
	Frequency int    `json:"frequency_points"`
	Recency   int    `json:"recency_points"`
	Explicit  int    `json:"explicit_points"`
	Relevance int    `json:"relevance_points"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (s ImportanceScore) Total() int {
	return s.Frequency + s.Recency + s.Explicit + s.Relevance
}

// InBounds reports whether every sub-score is within its stated range.
func (s ImportanceScore) InBounds() bool {
	return s.Frequency >= 0 && s.Frequency <= 3 &&
		s.Recency >= 0 && s.Recency <= 2 &&
		s.Explicit >= 0 && s.Explicit <= 2 &&
		s.Relevance >= 0 && s.Relevance <= 3
}

// Entry is one conversation turn. Once scored it is immutable except for
// soft trimming, which always sets Trimmed.
type Entry struct {
	ID        string           `json:"id"`
	Speaker   string           `json:"speaker"`
	Timestamp time.Time        `json:"timestamp"`
	Text      string           `json:"text"`
	Score     *ImportanceScore `json:"importance_score,omitempty"`
	Trimmed   bool             `json:"trimmed,omitempty"`
	Protected bool             `json:"protected,omitempty"`
}

// ScoreTotal returns the entry's total score, or -1 when unscored.
func (e Entry) ScoreTotal() int {
	if e.Score == nil {
		return -1
	}
	return e.Score.Total()
}

// Summary is the digest a promotion writes into the target bucket. It
// back-references the archived originals, it does not own them.
type Summary struct {
	Text            string   `json:"text"`
	Themes          []string `json:"themes"`
	Highlights      []string `json:"highlights"`
	Recurring       []string `json:"recurring,omitempty"`
	SourceBucketIDs []string `json:"source_bucket_ids"`
}

// Bucket is an ordered sequence of entries (or a summary) for one fixed
// calendar period of its tier.
type Bucket struct {
	ID        string      `json:"id"`
	Tier      Tier        `json:"tier"`
	State     BucketState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	Entries   []Entry     `json:"entries,omitempty"`
	Summary   *Summary    `json:"summary,omitempty"`
}

// PeriodStart returns the first day of the bucket's calendar period.
func (b Bucket) PeriodStart() (time.Time, error) {
	return BucketPeriodStart(b.Tier, b.ID)
}

// BucketPeriodStart parses a bucket ID into the period's first day (UTC).
func BucketPeriodStart(tier Tier, id string) (time.Time, error) {
	switch tier {
	case TierDaily:
		return time.ParseInLocation("20060102", id, time.UTC)
	case TierWeekly:
		var year, week int
		if _, err := fmt.Sscanf(id, "%d-W%d", &year, &week); err != nil {
			return time.Time{}, fmt.Errorf("parse weekly bucket id %q: %w", id, err)
		}
		return isoWeekStart(year, week), nil
	case TierMonthly:
		return time.ParseInLocation("2006-01", id, time.UTC)
	case TierYearly:
		return time.ParseInLocation("2006", id, time.UTC)
	}
	return time.Time{}, fmt.Errorf("tier %q has no dated buckets", tier)
}

// DailyBucketID formats the daily bucket ID for a day.
func DailyBucketID(t time.Time) string { return t.UTC().Format("20060102") }

// WeeklyBucketID formats the ISO-week bucket ID for a day.
func WeeklyBucketID(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// MonthlyBucketID formats the month bucket ID for a day.
func MonthlyBucketID(t time.Time) string { return t.UTC().Format("2006-01") }

// YearlyBucketID formats the year bucket ID for a day.
func YearlyBucketID(t time.Time) string { return t.UTC().Format("2006") }

// isoWeekStart returns the Monday starting the given ISO week.
func isoWeekStart(year, week int) time.Time {
	// January 4th is always inside ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	week1Monday := jan4.AddDate(0, 0, 1-weekday)
	return week1Monday.AddDate(0, 0, (week-1)*7)
}

// IndexHighlight is a high-value fact surfaced on the master index.
type IndexHighlight struct {
	BucketID string `json:"bucket_id"`
	Tier     Tier   `json:"tier"`
	Text     string `json:"text"`
	Score    int    `json:"score"`
}

// IndexStats are the aggregate statistics section of the master index.
type IndexStats struct {
	TotalEntries      int          `json:"total_entries"`
	ActiveBuckets     map[Tier]int `json:"active_buckets"`
	ArchivedBuckets   int          `json:"archived_buckets"`
	CompressedBuckets int          `json:"compressed_buckets"`
	TotalSizeBytes    int64        `json:"total_size_bytes"`
	TopTopics         []string     `json:"top_topics,omitempty"`
	LastCleanup       time.Time    `json:"last_cleanup,omitempty"`
}

// MemoryIndex is the single per-user master document summarizing all
// tiers. It is rebuilt on every compaction and never lags tier state by
// more than one cleanup cycle.
type MemoryIndex struct {
	UserID         string            `json:"user_id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Active         map[Tier][]string `json:"active"`
	Highlights     []IndexHighlight  `json:"highlights,omitempty"`
	ProtectedFacts []string          `json:"protected_facts,omitempty"`
	Stats          IndexStats        `json:"stats"`
}

// ProtectedFact is one non-evictable fact in protected/preferences.
type ProtectedFact struct {
	EntryID  string    `json:"entry_id,omitempty"`
	BucketID string    `json:"bucket_id,omitempty"`
	Text     string    `json:"text"`
	AddedAt  time.Time `json:"added_at"`
}

// Preferences is the protected/preferences document.
type Preferences struct {
	UserID    string          `json:"user_id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Facts     []ProtectedFact `json:"facts,omitempty"`
}

// LoadedContext is the token-budgeted context assembled for one request.
type LoadedContext struct {
	Index           MemoryIndex
	Preferences     Preferences
	StandardBuckets []Bucket
	ExtraBuckets    []Bucket
	TotalTokens     int
	Loaded          []string
	Degraded        bool
}

// UserCleanupStats counts what one user's cleanup cycle did.
type UserCleanupStats struct {
	SoftTrimmed      int
	WeeklySummaries  int
	MonthlySummaries int
	YearlySummaries  int
	Archived         int
	Compressed       int
}

// CleanupStats aggregates a full scheduler pass.
type CleanupStats struct {
	ProcessedUsers int
	Errors         int
	UserCleanupStats
}

func (s *CleanupStats) add(u UserCleanupStats) {
	s.SoftTrimmed += u.SoftTrimmed
	s.WeeklySummaries += u.WeeklySummaries
	s.MonthlySummaries += u.MonthlySummaries
	s.YearlySummaries += u.YearlySummaries
	s.Archived += u.Archived
	s.Compressed += u.Compressed
}

// EstimateTokens approximates token usage at four characters per token.
func EstimateTokens(text string) int { return len(text) / 4 }
