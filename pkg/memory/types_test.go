package memory

import (
	"testing"
	"time"
)

func TestTierOrdering(t *testing.T) {
	if TierDaily.Next() != TierWeekly || TierWeekly.Next() != TierMonthly || TierMonthly.Next() != TierYearly {
		t.Fatal("tier chain broken")
	}
	if TierDaily.Rank() >= TierWeekly.Rank() || TierYearly.Rank() >= TierArchive.Rank() {
		t.Fatal("tier ranks must increase along the chain")
	}
	if Tier("hourly").Valid() {
		t.Fatal("unknown tier must be invalid")
	}
}

func TestBucketIDFormats(t *testing.T) {
	ts := time.Date(2026, 8, 10, 15, 30, 0, 0, time.UTC)
	if got := DailyBucketID(ts); got != "20260810" {
		t.Fatalf("daily ID = %q", got)
	}
	if got := WeeklyBucketID(ts); got != "2026-W33" {
		t.Fatalf("weekly ID = %q", got)
	}
	if got := MonthlyBucketID(ts); got != "2026-08" {
		t.Fatalf("monthly ID = %q", got)
	}
	if got := YearlyBucketID(ts); got != "2026" {
		t.Fatalf("yearly ID = %q", got)
	}
}

func TestBucketPeriodStartRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		tier Tier
		id   string
		want time.Time
	}{
		{TierDaily, DailyBucketID(ts), ts},
		{TierWeekly, WeeklyBucketID(ts), ts}, // Aug 10 2026 is the Monday of W33
		{TierMonthly, MonthlyBucketID(ts), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
		{TierYearly, YearlyBucketID(ts), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got, err := BucketPeriodStart(c.tier, c.id)
		if err != nil {
			t.Fatalf("BucketPeriodStart(%s, %s): %v", c.tier, c.id, err)
		}
		if !got.Equal(c.want) {
			t.Errorf("BucketPeriodStart(%s, %s) = %v, want %v", c.tier, c.id, got, c.want)
		}
	}

	if _, err := BucketPeriodStart(TierDaily, "not-a-date"); err == nil {
		t.Fatal("garbage ID must not parse")
	}
}

func TestISOWeekStartYearBoundary(t *testing.T) {
	// Jan 1 2027 is a Friday and belongs to 2026-W53.
	ts := time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)
	weekID := WeeklyBucketID(ts)
	if weekID != "2026-W53" {
		t.Fatalf("weekly ID = %q, want 2026-W53", weekID)
	}
	start, err := BucketPeriodStart(TierWeekly, weekID)
	if err != nil {
		t.Fatalf("BucketPeriodStart: %v", err)
	}
	if start.Weekday() != time.Monday {
		t.Fatalf("week start %v is not a Monday", start)
	}
	if !start.Equal(time.Date(2026, 12, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("week start = %v, want 2026-12-28", start)
	}
}

func TestScoreTotalAndBounds(t *testing.T) {
	s := ImportanceScore{Frequency: 3, Recency: 2, Explicit: 2, Relevance: 3}
	if s.Total() != 10 {
		t.Fatalf("total = %d, want 10", s.Total())
	}
	if !s.InBounds() {
		t.Fatal("maximal score is still in bounds")
	}
	if (ImportanceScore{Frequency: 4}).InBounds() {
		t.Fatal("frequency 4 is out of bounds")
	}
	if (ImportanceScore{Recency: -1}).InBounds() {
		t.Fatal("negative component is out of bounds")
	}

	e := Entry{}
	if e.ScoreTotal() != -1 {
		t.Fatalf("unscored entry total = %d, want -1", e.ScoreTotal())
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Fatalf("EstimateTokens = %d, want 2", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens empty = %d, want 0", got)
	}
}
