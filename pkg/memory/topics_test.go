package memory

import (
	"testing"
	"time"
)

func newTestTopics(t *testing.T) *TopicStore {
	t.Helper()
	clock := &fixedClock{t: time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)}
	ts, err := NewTopicStore(t.TempDir(), clock)
	if err != nil {
		t.Fatalf("NewTopicStore: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestTopicFrequencyAccumulates(t *testing.T) {
	ts := newTestTopics(t)
	for i := 0; i < 3; i++ {
		if err := ts.Track("alice", "planning the kubernetes migration"); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}
	if err := ts.Track("alice", "dinner plans"); err != nil {
		t.Fatalf("Track: %v", err)
	}

	freq, err := ts.Frequency("alice", "anything about kubernetes")
	if err != nil {
		t.Fatalf("Frequency: %v", err)
	}
	if freq != 3 {
		t.Fatalf("frequency = %d, want 3", freq)
	}

	// Other users are isolated.
	freq, err = ts.Frequency("bob", "kubernetes")
	if err != nil {
		t.Fatalf("Frequency: %v", err)
	}
	if freq != 0 {
		t.Fatalf("cross-user frequency = %d, want 0", freq)
	}
}

func TestMostFrequentOrdersByMentions(t *testing.T) {
	ts := newTestTopics(t)
	for i := 0; i < 5; i++ {
		_ = ts.Track("alice", "kubernetes")
	}
	for i := 0; i < 2; i++ {
		_ = ts.Track("alice", "gardening")
	}

	topics, err := ts.MostFrequent("alice", 10)
	if err != nil {
		t.Fatalf("MostFrequent: %v", err)
	}
	if len(topics) != 2 || topics[0] != "kubernetes" || topics[1] != "gardening" {
		t.Fatalf("topics = %v", topics)
	}
}

func TestExtractTopicsFiltersNoise(t *testing.T) {
	topics := ExtractTopics("I think we should talk about the Kubernetes migration, please")
	want := map[string]bool{"talk": true, "kubernetes": true, "migration": true, "should": false, "please": false}
	got := map[string]bool{}
	for _, topic := range topics {
		got[topic] = true
	}
	for topic, expected := range want {
		if got[topic] != expected {
			t.Errorf("topic %q present=%v, want %v", topic, got[topic], expected)
		}
	}
}
