package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, clock *fixedClock, scoreOracle ScoreOracle, summaryOracle SummaryOracle, cfg SchedulerConfig) (*Scheduler, *TieredStore) {
	t.Helper()
	store := newTestStore(t, clock)
	scorer := NewScorer(scoreOracle, nil, clock)
	summarizer := NewSummarizer(store, summaryOracle, clock)
	indexer := NewIndexer(store, nil, clock)
	return NewScheduler(store, scorer, summarizer, indexer, nil, clock, cfg), store
}

func TestDueMatchesCronSchedule(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)}
	s, _ := newTestScheduler(t, clock, nil, nil, SchedulerConfig{CronExpr: "0 4 * * *"})

	if !s.Due(clock.Now()) {
		t.Fatal("04:00 should match the daily schedule")
	}
	if s.Due(time.Date(2026, 8, 25, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("05:00 should not match the daily schedule")
	}
}

func TestRunUserPromotesEndedWeek(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 10, 10, 0, 0, 0, time.UTC)}
	score := &stubScoreOracle{score: ImportanceScore{Frequency: 2, Recency: 2, Explicit: 0, Relevance: 2}}
	summary := &stubSummaryOracle{digest: Digest{Text: "week digest", Themes: []string{"work", "travel"}}}
	s, store := newTestScheduler(t, clock, score, summary, SchedulerConfig{})

	// Three days of week 33, then a fresh bucket in the current week.
	for i := 0; i < 3; i++ {
		if err := store.AppendEntry("alice", testEntry("e", "planning the trip", clock.Now())); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
		clock.advance(24 * time.Hour)
	}
	clock.t = time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)
	if err := store.AppendEntry("alice", testEntry("e", "today's chatter", clock.Now())); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.WeeklySummaries != 1 {
		t.Fatalf("weekly summaries = %d, want 1", stats.WeeklySummaries)
	}
	if stats.Archived != 3 {
		t.Fatalf("archived = %d, want 3", stats.Archived)
	}

	weekly, err := store.ReadTier("alice", TierWeekly, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadTier weekly: %v", err)
	}
	if len(weekly) != 1 || weekly[0].ID != "2026-W33" {
		t.Fatalf("weekly tier = %v, want [2026-W33]", weekly)
	}

	// The current week's bucket is untouched.
	daily, _ := store.ReadTier("alice", TierDaily, time.Time{}, time.Time{})
	if len(daily) != 1 || daily[0].ID != "20260825" {
		t.Fatalf("daily tier = %v, want today's bucket only", daily)
	}

	// Entries got scored on the way.
	h, _ := store.FindBucket("alice", TierDaily, "20260810")
	b, _ := store.LoadBucket(h)
	if b.Entries[0].Score == nil {
		t.Fatal("promoted entries should have been scored first")
	}

	idx, err := store.ReadIndex("alice")
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if idx.Stats.LastCleanup.IsZero() {
		t.Fatal("index must record the cleanup time")
	}
	if idx.Stats.ActiveBuckets[TierWeekly] != 1 {
		t.Fatalf("index weekly count = %d, want 1", idx.Stats.ActiveBuckets[TierWeekly])
	}
}

func TestRunUserIsNoOpWithNothingEligible(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)}
	s, store := newTestScheduler(t, clock, nil, &stubSummaryOracle{digest: Digest{Text: "x"}}, SchedulerConfig{})

	if err := store.AppendEntry("alice", testEntry("e", "fresh", clock.Now())); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.WeeklySummaries != 0 || stats.SoftTrimmed != 0 || stats.Archived != 0 {
		t.Fatalf("expected a no-op, got %+v", stats)
	}
	daily, _ := store.ReadTier("alice", TierDaily, time.Time{}, time.Time{})
	if len(daily) != 1 {
		t.Fatal("today's bucket must survive an idle run")
	}
}

func TestSoftTrimRespectsProtectionWindow(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 4, 12, 0, 0, 0, time.UTC)}
	s, store := newTestScheduler(t, clock, nil, &stubSummaryOracle{digest: Digest{Text: "x"}}, SchedulerConfig{})

	old := testEntry("e1", "a long chatty exchange about nothing that matters at all today", clock.Now())
	old.Score = scored(0)
	if err := store.AppendEntry("alice", old); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	clock.t = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	young := testEntry("e2", "another low-value aside from two days ago", clock.Now())
	young.Score = scored(0)
	if err := store.AppendEntry("alice", young); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	clock.t = time.Date(2026, 8, 12, 4, 0, 0, 0, time.UTC)
	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.SoftTrimmed != 1 {
		t.Fatalf("soft trimmed = %d, want only the bucket past the window", stats.SoftTrimmed)
	}

	h, _ := store.FindBucket("alice", TierDaily, "20260804")
	b, _ := store.LoadBucket(h)
	if !b.Entries[0].Trimmed {
		t.Fatal("bucket past the protection window should be trimmed")
	}

	h, _ = store.FindBucket("alice", TierDaily, "20260810")
	b, _ = store.LoadBucket(h)
	if b.Entries[0].Trimmed || b.Entries[0].Text != "another low-value aside from two days ago" {
		t.Fatal("entry inside the protection window must stay untouched")
	}
}

func TestSizePressureForcesEarlySummarization(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	summary := &stubSummaryOracle{digest: Digest{Text: "emergency digest"}}
	s, store := newTestScheduler(t, clock, nil, summary, SchedulerConfig{DailyTierCeilingMB: 1})

	// Yesterday's bucket blows past the 1MB daily ceiling.
	big := testEntry("e1", strings.Repeat("x", 1536*1024), clock.Now())
	if err := store.AppendEntry("alice", big); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	clock.t = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if err := store.AppendEntry("alice", testEntry("e2", "today", clock.Now())); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	if !s.SizePressure("alice") {
		t.Fatal("daily tier over ceiling should report pressure")
	}
	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.WeeklySummaries != 1 {
		t.Fatalf("weekly summaries = %d, want 1 emergency digest", stats.WeeklySummaries)
	}

	// The week has not ended, the size trigger promoted anyway. Today's
	// bucket is never part of an emergency batch.
	weekly, _ := store.ReadTier("alice", TierWeekly, time.Time{}, time.Time{})
	if len(weekly) != 1 || weekly[0].ID != "2026-W35" {
		t.Fatalf("weekly tier = %v, want [2026-W35]", weekly)
	}
	daily, _ := store.ReadTier("alice", TierDaily, time.Time{}, time.Time{})
	if len(daily) != 1 || daily[0].ID != "20260825" {
		t.Fatalf("daily tier = %v, want today's bucket only", daily)
	}
}

func TestSizePressureHonorsFractionalCeiling(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	summary := &stubSummaryOracle{digest: Digest{Text: "x"}}
	s, store := newTestScheduler(t, clock, nil, summary, SchedulerConfig{DailyTierCeilingMB: 0.5})

	// 768KB sits between the half-MB ceiling and a truncated-to-zero one.
	big := testEntry("e1", strings.Repeat("x", 768*1024), clock.Now())
	if err := store.AppendEntry("alice", big); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	if !s.SizePressure("alice") {
		t.Fatal("a fractional MB ceiling must still register pressure")
	}
}

func TestMonthlyPromotionNeedsFourWeeklies(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)}
	summary := &stubSummaryOracle{digest: Digest{Text: "june digest", Themes: []string{"june"}}}
	s, store := newTestScheduler(t, clock, nil, summary, SchedulerConfig{})
	mustEnsureUser(t, store, "alice")

	for _, id := range []string{"2026-W23", "2026-W24", "2026-W25", "2026-W26"} {
		b := Bucket{ID: id, Tier: TierWeekly, State: BucketActive, CreatedAt: clock.Now(),
			Summary: &Summary{Text: "week " + id}}
		if err := store.WriteBucket("alice", b); err != nil {
			t.Fatalf("WriteBucket %s: %v", id, err)
		}
	}
	// July has too few weeklies to qualify.
	july := Bucket{ID: "2026-W28", Tier: TierWeekly, State: BucketActive, CreatedAt: clock.Now()}
	if err := store.WriteBucket("alice", july); err != nil {
		t.Fatalf("WriteBucket: %v", err)
	}

	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.MonthlySummaries != 1 {
		t.Fatalf("monthly summaries = %d, want 1", stats.MonthlySummaries)
	}
	monthly, _ := store.ReadTier("alice", TierMonthly, time.Time{}, time.Time{})
	if len(monthly) != 1 || monthly[0].ID != "2026-06" {
		t.Fatalf("monthly tier = %v, want [2026-06]", monthly)
	}
	weekly, _ := store.ReadTier("alice", TierWeekly, time.Time{}, time.Time{})
	if len(weekly) != 1 || weekly[0].ID != "2026-W28" {
		t.Fatalf("weekly tier = %v, want the lone July week left", weekly)
	}
}

func TestYearlyPromotionNeedsTenMonthliesOfCompletedYear(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)}
	summary := &stubSummaryOracle{digest: Digest{Text: "2025 in review", Themes: []string{"year"}}}
	s, store := newTestScheduler(t, clock, nil, summary, SchedulerConfig{})
	mustEnsureUser(t, store, "alice")

	for m := 1; m <= 10; m++ {
		id := MonthlyBucketID(time.Date(2025, time.Month(m), 1, 0, 0, 0, 0, time.UTC))
		b := Bucket{ID: id, Tier: TierMonthly, State: BucketActive, CreatedAt: clock.Now(),
			Summary: &Summary{Text: "month " + id}}
		if err := store.WriteBucket("alice", b); err != nil {
			t.Fatalf("WriteBucket %s: %v", id, err)
		}
	}
	// A current-year monthly must never be swept into a yearly digest.
	current := Bucket{ID: "2026-01", Tier: TierMonthly, State: BucketActive, CreatedAt: clock.Now()}
	if err := store.WriteBucket("alice", current); err != nil {
		t.Fatalf("WriteBucket: %v", err)
	}

	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.YearlySummaries != 1 {
		t.Fatalf("yearly summaries = %d, want 1", stats.YearlySummaries)
	}
	yearly, _ := store.ReadTier("alice", TierYearly, time.Time{}, time.Time{})
	if len(yearly) != 1 || yearly[0].ID != "2025" {
		t.Fatalf("yearly tier = %v, want [2025]", yearly)
	}
	monthly, _ := store.ReadTier("alice", TierMonthly, time.Time{}, time.Time{})
	if len(monthly) != 1 || monthly[0].ID != "2026-01" {
		t.Fatalf("monthly tier = %v, want [2026-01]", monthly)
	}
}

func TestOldArchivesGetCompressed(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)}
	summary := &stubSummaryOracle{digest: Digest{Text: "old week"}}
	s, store := newTestScheduler(t, clock, nil, summary, SchedulerConfig{})

	seedDay(t, store, clock, testEntry("e1", "a year ago", clock.Now()))
	handles, _ := store.ReadTier("alice", TierDaily, time.Time{}, time.Time{})
	sm := NewSummarizer(store, summary, clock)
	if _, err := sm.SummarizeUp(context.Background(), "alice", TierDaily, handles, "2025-W33"); err != nil {
		t.Fatalf("SummarizeUp: %v", err)
	}

	clock.t = time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)
	stats, err := s.RunUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if stats.Compressed == 0 {
		t.Fatal("archives older than the threshold must be compressed")
	}
	archived, _ := store.ReadTier("alice", TierArchive, time.Time{}, time.Time{})
	for _, h := range archived {
		if h.ID == "20250810" && !h.Compressed {
			t.Fatal("old archived bucket left uncompressed")
		}
	}
}

func TestRunAllCoversEveryUser(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)}
	s, store := newTestScheduler(t, clock, nil, &stubSummaryOracle{digest: Digest{Text: "x"}}, SchedulerConfig{Workers: 2})
	mustEnsureUser(t, store, "alice")
	mustEnsureUser(t, store, "bob")

	stats, err := s.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if stats.ProcessedUsers != 2 {
		t.Fatalf("processed users = %d, want 2", stats.ProcessedUsers)
	}
	if stats.Errors != 0 {
		t.Fatalf("errors = %d, want 0", stats.Errors)
	}
}
