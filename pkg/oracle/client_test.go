package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/memory"
)

func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth header = %q", auth)
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestOracle(t *testing.T, srv *httptest.Server) *Oracle {
	t.Helper()
	c, err := NewHTTPCompleter(srv.URL, "test-key", "test-model")
	if err != nil {
		t.Fatalf("NewHTTPCompleter: %v", err)
	}
	return New(c)
}

func TestScoreParsesOracleJSON(t *testing.T) {
	srv := completionServer(t, `{"frequency_points": 2, "recency_points": 1, "explicit_points": 1, "relevance_points": 3, "reasoning": "durable preference"}`)
	defer srv.Close()

	score, err := newTestOracle(t, srv).Score(context.Background(), memory.ScoreRequest{Snippet: "I always drink oat milk"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Total() != 7 {
		t.Fatalf("total = %d, want 7", score.Total())
	}
}

func TestScoreStripsCodeFences(t *testing.T) {
	srv := completionServer(t, "```json\n{\"frequency_points\": 1, \"recency_points\": 2, \"explicit_points\": 0, \"relevance_points\": 0, \"reasoning\": \"fresh\"}\n```")
	defer srv.Close()

	score, err := newTestOracle(t, srv).Score(context.Background(), memory.ScoreRequest{Snippet: "hi"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Frequency != 1 || score.Recency != 2 {
		t.Fatalf("fenced JSON misparsed: %+v", score)
	}
}

func TestScoreRejectsMalformedResponse(t *testing.T) {
	srv := completionServer(t, "the message seems fairly important to me")
	defer srv.Close()

	_, err := newTestOracle(t, srv).Score(context.Background(), memory.ScoreRequest{Snippet: "hi"})
	if !errors.Is(err, memory.ErrOracleMalformed) {
		t.Fatalf("err = %v, want ErrOracleMalformed", err)
	}
}

func TestScoreRejectsOutOfBoundsComponents(t *testing.T) {
	srv := completionServer(t, `{"frequency_points": 9, "recency_points": 0, "explicit_points": 0, "relevance_points": 0}`)
	defer srv.Close()

	_, err := newTestOracle(t, srv).Score(context.Background(), memory.ScoreRequest{Snippet: "hi"})
	if !errors.Is(err, memory.ErrOracleMalformed) {
		t.Fatalf("err = %v, want ErrOracleMalformed", err)
	}
}

func TestDigestRequiresText(t *testing.T) {
	srv := completionServer(t, `{"text": "", "themes": ["a"]}`)
	defer srv.Close()

	_, err := newTestOracle(t, srv).Digest(context.Background(), memory.DigestRequest{TargetTier: memory.TierWeekly})
	if !errors.Is(err, memory.ErrOracleMalformed) {
		t.Fatalf("err = %v, want ErrOracleMalformed", err)
	}
}

func TestRankDiscardsUnknownIDs(t *testing.T) {
	srv := completionServer(t, `["2026-W33", "made-up", "20260810"]`)
	defer srv.Close()

	ids, err := newTestOracle(t, srv).Rank(context.Background(), memory.RankRequest{
		Query: "the trip",
		Candidates: []memory.TierMetadata{
			{BucketID: "20260810", Tier: memory.TierDaily},
			{BucketID: "2026-W33", Tier: memory.TierWeekly},
		},
	})
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(ids) != 2 || ids[0] != "2026-W33" || ids[1] != "20260810" {
		t.Fatalf("ids = %v, want known IDs in oracle order", ids)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	o := newTestOracle(t, srv)

	for i := 0; i < 5; i++ {
		if _, err := o.Score(context.Background(), memory.ScoreRequest{Snippet: "hi"}); err == nil {
			t.Fatal("expected failure from 502 backend")
		}
	}
	start := time.Now()
	_, err := o.Score(context.Background(), memory.ScoreRequest{Snippet: "hi"})
	if err == nil {
		t.Fatal("open breaker must fail fast")
	}
	if time.Since(start) > time.Second {
		t.Fatal("open breaker should not reach the backend")
	}
}

func TestStripJSONFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                  "{\"a\":1}",
		"```json\n{\"a\":1}\n```":    "{\"a\":1}",
		"```\n[1,2]\n```":            "[1,2]",
		"  ```json\n{\"a\":1}\n``` ": "{\"a\":1}",
	}
	for in, want := range cases {
		if got := stripJSONFences(in); got != want {
			t.Errorf("stripJSONFences(%q) = %q, want %q", in, got, want)
		}
	}
}
