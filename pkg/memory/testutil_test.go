package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fixedClock drives the pipeline deterministically in tests.
type fixedClock struct {
	t time.Time
}

func (f *fixedClock) Now() time.Time { return f.t }

func (f *fixedClock) advance(d time.Duration) { f.t = f.t.Add(d) }

// stubScoreOracle returns a canned score or error.
type stubScoreOracle struct {
	score ImportanceScore
	err   error
	calls int
}

func (s *stubScoreOracle) Score(ctx context.Context, req ScoreRequest) (ImportanceScore, error) {
	s.calls = s.calls + 1
	if s.err != nil {
		return ImportanceScore{}, s.err
	}
	return s.score, nil
}

// stubSummaryOracle returns a canned digest, optionally failing the
// first n calls.
type stubSummaryOracle struct {
	digest   Digest
	failNext int
	calls    int
	lastReq  DigestRequest
}

func (s *stubSummaryOracle) Digest(ctx context.Context, req DigestRequest) (Digest, error) {
	s.calls = s.calls + 1
	s.lastReq = req
	if s.failNext > 0 {
		s.failNext = s.failNext - 1
		return Digest{}, errors.New("oracle unavailable")
	}
	return s.digest, nil
}

// stubRankOracle returns canned IDs or an error.
type stubRankOracle struct {
	ids     []string
	err     error
	calls   int
	lastReq RankRequest
}

func (s *stubRankOracle) Rank(ctx context.Context, req RankRequest) ([]string, error) {
	s.calls = s.calls + 1
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.ids, nil
}

func newTestStore(t *testing.T, clock Clock) *TieredStore {
	t.Helper()
	store, err := NewTieredStore(t.TempDir(), clock)
	if err != nil {
		t.Fatalf("NewTieredStore: %v", err)
	}
	return store
}

func mustEnsureUser(t *testing.T, store *TieredStore, userID string) {
	t.Helper()
	if err := store.EnsureUser(userID); err != nil {
		t.Fatalf("EnsureUser(%s): %v", userID, err)
	}
}

func scored(total int) *ImportanceScore {
	s := ImportanceScore{}
	for total > 0 {
		if s.Frequency < 3 {
			s.Frequency++
		} else if s.Relevance < 3 {
			s.Relevance++
		} else if s.Recency < 2 {
			s.Recency++
		} else if s.Explicit < 2 {
			s.Explicit++
		} else {
			break
		}
		total--
	}
	return &s
}

func testEntry(id, text string, ts time.Time) Entry {
	return Entry{ID: id, Speaker: "user", Timestamp: ts, Text: text}
}
