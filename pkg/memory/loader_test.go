package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func seedDays(t *testing.T, store *TieredStore, clock *fixedClock, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		if err := store.AppendEntry("alice", testEntry("e", "notes for the day", clock.Now())); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
		ids = append(ids, DailyBucketID(clock.Now()))
		clock.advance(24 * time.Hour)
	}
	return ids
}

func TestLoadStandardSet(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	seedDays(t, store, clock, 5)
	ranker := &stubRankOracle{}
	l := NewLoader(store, ranker, clock, LoaderConfig{RecentDailyBuckets: 3})

	lc, err := l.Load(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(lc.StandardBuckets) != 3 {
		t.Fatalf("standard buckets = %d, want 3", len(lc.StandardBuckets))
	}
	// Newest first.
	if lc.StandardBuckets[0].ID != "20260814" || lc.StandardBuckets[2].ID != "20260812" {
		t.Fatalf("unexpected standard set: %v", lc.Loaded)
	}
	if ranker.calls != 0 {
		t.Fatal("empty query must not consult the ranker")
	}
	if lc.Degraded {
		t.Fatal("standard-only load is not degraded")
	}
	if lc.TotalTokens == 0 {
		t.Fatal("token accounting missing")
	}
}

func TestDateQueryBypassesRanker(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	seedDays(t, store, clock, 5)
	ranker := &stubRankOracle{ids: []string{"should-not-be-used"}}
	l := NewLoader(store, ranker, clock, LoaderConfig{RecentDailyBuckets: 3})

	for _, query := range []string{
		"what did we discuss on 2026-08-10",
		"show me 20260810",
		"what happened on august 10",
	} {
		lc, err := l.Load(context.Background(), "alice", query)
		if err != nil {
			t.Fatalf("Load(%q): %v", query, err)
		}
		if len(lc.ExtraBuckets) != 1 || lc.ExtraBuckets[0].ID != "20260810" {
			t.Fatalf("Load(%q) extras = %v, want the referenced day", query, lc.Loaded)
		}
	}
	if ranker.calls != 0 {
		t.Fatal("date-referencing queries must never hit the ranker")
	}
}

func TestRankedExtrasFollowOracleOrder(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	seedDays(t, store, clock, 6)
	ranker := &stubRankOracle{ids: []string{"20260811", "20260810", "bogus-id"}}
	l := NewLoader(store, ranker, clock, LoaderConfig{RecentDailyBuckets: 3})

	lc, err := l.Load(context.Background(), "alice", "tell me about the trip")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ranker.calls != 1 {
		t.Fatalf("ranker calls = %d, want 1", ranker.calls)
	}
	if len(lc.ExtraBuckets) != 2 {
		t.Fatalf("extras = %d, want 2", len(lc.ExtraBuckets))
	}
	if lc.ExtraBuckets[0].ID != "20260811" || lc.ExtraBuckets[1].ID != "20260810" {
		t.Fatalf("extras out of oracle order: %v", lc.Loaded)
	}

	// Candidates exclude what the standard set already holds.
	for _, c := range ranker.lastReq.Candidates {
		if c.BucketID == "20260815" || c.BucketID == "20260814" || c.BucketID == "20260813" {
			t.Fatalf("standard-set bucket %s offered as candidate", c.BucketID)
		}
	}
}

func TestRankerFailureDegradesToStandardSet(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	seedDays(t, store, clock, 5)
	ranker := &stubRankOracle{err: errors.New("timeout")}
	l := NewLoader(store, ranker, clock, LoaderConfig{RecentDailyBuckets: 3})

	lc, err := l.Load(context.Background(), "alice", "tell me about the trip")
	if err != nil {
		t.Fatalf("Load must not fail on ranker errors: %v", err)
	}
	if !lc.Degraded {
		t.Fatal("failed ranking must mark the context degraded")
	}
	if len(lc.ExtraBuckets) != 0 {
		t.Fatal("degraded load carries the standard set only")
	}
	if len(lc.StandardBuckets) != 3 {
		t.Fatal("standard set must survive a ranker failure")
	}
}

func TestTokenBudgetOmitsOversizedExtras(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)

	huge := testEntry("e1", strings.Repeat("history ", 400), clock.Now())
	if err := store.AppendEntry("alice", huge); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	hugeID := DailyBucketID(clock.Now())
	clock.advance(10 * 24 * time.Hour)
	seedDays(t, store, clock, 2)

	ranker := &stubRankOracle{ids: []string{hugeID}}
	l := NewLoader(store, ranker, clock, LoaderConfig{
		ModelContextTokens: 800,
		MemoryFraction:     0.5,
		RecentDailyBuckets: 2,
	})

	lc, err := l.Load(context.Background(), "alice", "tell me about the trip")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(lc.ExtraBuckets) != 0 {
		t.Fatal("bucket over the remaining budget must be omitted")
	}
	if lc.Degraded {
		t.Fatal("a budget omission is not a degraded load")
	}
	if lc.TotalTokens > 400 {
		t.Fatalf("total tokens %d exceed the budget", lc.TotalTokens)
	}
}

func TestLoadStopsAtBudgetOverflow(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)

	huge := testEntry("e1", strings.Repeat("history ", 400), clock.Now())
	if err := store.AppendEntry("alice", huge); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	hugeID := DailyBucketID(clock.Now())
	clock.advance(24 * time.Hour)
	if err := store.AppendEntry("alice", testEntry("e2", "small note", clock.Now())); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	tinyID := DailyBucketID(clock.Now())
	clock.t = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	seedDays(t, store, clock, 2)

	// The oversized bucket is ranked first; nothing after it may load.
	ranker := &stubRankOracle{ids: []string{hugeID, tinyID}}
	l := NewLoader(store, ranker, clock, LoaderConfig{
		ModelContextTokens: 800,
		MemoryFraction:     0.5,
		RecentDailyBuckets: 2,
	})

	lc, err := l.Load(context.Background(), "alice", "tell me about the trip")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(lc.ExtraBuckets) != 0 {
		t.Fatalf("extras = %v, loading must stop at the first overflow", lc.Loaded)
	}
}

func TestFormatForModelRendersSections(t *testing.T) {
	lc := LoadedContext{
		Index: MemoryIndex{
			Highlights: []IndexHighlight{{BucketID: "2026-W33", Tier: TierWeekly, Text: "booked the flight"}},
			Stats:      IndexStats{TopTopics: []string{"travel"}},
		},
		Preferences: Preferences{Facts: []ProtectedFact{{Text: "prefers oat milk"}}},
		StandardBuckets: []Bucket{{
			ID: "20260815", Tier: TierDaily,
			Entries: []Entry{testEntry("e1", "hello there", time.Date(2026, 8, 15, 9, 30, 0, 0, time.UTC))},
		}},
		ExtraBuckets: []Bucket{{
			ID: "2026-W30", Tier: TierWeekly,
			Summary: &Summary{Text: "an earlier week", Themes: []string{"work"}},
		}},
	}
	out := FormatForModel(lc)
	for _, want := range []string{
		"booked the flight", "prefers oat milk", "hello there",
		"an earlier week", "Related memory", "travel",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted context missing %q", want)
		}
	}
}
