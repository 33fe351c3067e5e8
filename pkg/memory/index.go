package memory

import (
	"time"
)

const (
	maxIndexHighlights = 40
	maxIndexTopics     = 10
)

// Indexer rebuilds the per-user master index from what is actually on
// disk. The index is derived state: it can always be reconstructed, and
// the scheduler rewrites it at the end of every cleanup run.
type Indexer struct {
	store  *TieredStore
	topics *TopicStore
	clock  Clock
}

func NewIndexer(store *TieredStore, topics *TopicStore, clock Clock) *Indexer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Indexer{store: store, topics: topics, clock: clock}
}

// Rebuild scans every tier and produces a fresh index document. The
// previous index only contributes its creation time and last cleanup
// stamp.
func (ix *Indexer) Rebuild(userID string, lastCleanup time.Time) (MemoryIndex, error) {
	now := ix.clock.Now()
	idx := MemoryIndex{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		Active:    map[Tier][]string{},
		Stats: IndexStats{
			ActiveBuckets: map[Tier]int{},
			LastCleanup:   lastCleanup,
		},
	}
	if prev, err := ix.store.ReadIndex(userID); err == nil {
		if !prev.CreatedAt.IsZero() {
			idx.CreatedAt = prev.CreatedAt
		}
		if lastCleanup.IsZero() {
			idx.Stats.LastCleanup = prev.Stats.LastCleanup
		}
	}

	for _, tier := range []Tier{TierDaily, TierWeekly, TierMonthly, TierYearly} {
		handles, err := ix.store.ReadTier(userID, tier, time.Time{}, time.Time{})
		if err != nil {
			return MemoryIndex{}, err
		}
		for _, h := range handles {
			idx.Active[tier] = append(idx.Active[tier], h.ID)
			b, err := ix.store.LoadBucket(h)
			if err != nil {
				return MemoryIndex{}, err
			}
			idx.Stats.TotalEntries += len(b.Entries)
			ix.collectHighlights(&idx, b)
		}
		idx.Stats.ActiveBuckets[tier] = len(handles)
	}

	archived, err := ix.store.ReadTier(userID, TierArchive, time.Time{}, time.Time{})
	if err != nil {
		return MemoryIndex{}, err
	}
	for _, h := range archived {
		idx.Stats.ArchivedBuckets++
		if h.Compressed {
			idx.Stats.CompressedBuckets++
		}
	}

	prefs, err := ix.store.ReadPreferences(userID)
	if err != nil {
		return MemoryIndex{}, err
	}
	for _, f := range prefs.Facts {
		idx.ProtectedFacts = append(idx.ProtectedFacts, f.Text)
	}

	if size, err := ix.store.TotalSizeBytes(userID); err == nil {
		idx.Stats.TotalSizeBytes = size
	}
	if ix.topics != nil {
		if topics, err := ix.topics.MostFrequent(userID, maxIndexTopics); err == nil {
			idx.Stats.TopTopics = topics
		}
	}
	return idx, nil
}

func (ix *Indexer) collectHighlights(idx *MemoryIndex, b Bucket) {
	for _, e := range b.Entries {
		if len(idx.Highlights) >= maxIndexHighlights {
			return
		}
		total := e.ScoreTotal()
		if e.Protected || (total >= 0 && RetentionOf(total) == RetainPersistent) {
			idx.Highlights = append(idx.Highlights, IndexHighlight{
				BucketID: b.ID,
				Tier:     b.Tier,
				Text:     e.Text,
				Score:    total,
			})
		}
	}
	if b.Summary != nil {
		for _, h := range b.Summary.Highlights {
			if len(idx.Highlights) >= maxIndexHighlights {
				return
			}
			idx.Highlights = append(idx.Highlights, IndexHighlight{
				BucketID: b.ID,
				Tier:     b.Tier,
				Text:     h,
			})
		}
	}
}
