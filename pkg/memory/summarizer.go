package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
)

const (
	minDigestThemes = 2
	maxDigestThemes = 5
	trimLineLength  = 60
)

// Summarizer performs the two lossy stages of retention: soft trimming
// low-value entries inside a bucket, and condensing whole buckets into a
// higher-tier digest.
type Summarizer struct {
	store  *TieredStore
	oracle SummaryOracle
	clock  Clock
}

func NewSummarizer(store *TieredStore, oracle SummaryOracle, clock Clock) *Summarizer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Summarizer{store: store, oracle: oracle, clock: clock}
}

// SoftTrim collapses scored throwaway entries (total 0 or 1) to a single
// descriptive line. Protected and unscored entries are untouched, and a
// trimmed entry is never trimmed again, so the pass is idempotent.
// Returns the updated bucket and the number of entries trimmed.
func (sm *Summarizer) SoftTrim(userID string, b Bucket) (Bucket, int, error) {
	trimmed := 0
	for i := range b.Entries {
		e := &b.Entries[i]
		if e.Trimmed || e.Protected || e.Score == nil {
			continue
		}
		if RetentionOf(e.ScoreTotal()) != RetainDrop {
			continue
		}
		e.Text = trimLine(e.Text)
		e.Trimmed = true
		trimmed++
	}
	if trimmed == 0 {
		return b, 0, nil
	}
	if err := sm.store.WriteBucket(userID, b); err != nil {
		return b, 0, err
	}
	return b, trimmed, nil
}

func trimLine(text string) string {
	line := strings.Join(strings.Fields(text), " ")
	if len(line) > trimLineLength {
		line = strings.TrimSpace(line[:trimLineLength]) + "..."
	}
	return "(trimmed) " + line
}

// SummarizeUp condenses the given active source buckets into one digest
// bucket in the target tier and promotes them through the store. Entries
// scored 8 or higher, and protected entries, are carried into the digest
// verbatim; entries scored 5-7 are guaranteed a highlight line even when
// the oracle omits them. If the oracle fails, the call is retried once
// with the older half of the batch; sources that stay unpromoted are
// picked up by the next cycle.
func (sm *Summarizer) SummarizeUp(ctx context.Context, userID string, from Tier, sources []BucketHandle, targetID string) (Bucket, error) {
	target := from.Next()
	if !target.Valid() || target == TierArchive {
		return Bucket{}, fmt.Errorf("summarize up from %s: no higher tier", from)
	}

	buckets := make([]Bucket, 0, len(sources))
	for _, h := range sources {
		if h.Archived {
			return Bucket{}, fmt.Errorf("summarize source %s/%s: %w", h.Tier, h.ID, ErrStaleBucket)
		}
		b, err := sm.store.LoadBucket(h)
		if err != nil {
			return Bucket{}, err
		}
		if b.State == BucketPromoted {
			return Bucket{}, fmt.Errorf("summarize source %s/%s: %w", h.Tier, h.ID, ErrStaleBucket)
		}
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].ID < buckets[j].ID })

	digest, used, err := sm.digest(ctx, target, targetID, buckets)
	if err != nil {
		if len(buckets) < 2 {
			return Bucket{}, err
		}
		logger.WarnCF("summarizer", "Digest failed, retrying with older half", map[string]interface{}{
			"user": userID, "tier": string(target), "error": err.Error(),
		})
		digest, used, err = sm.digest(ctx, target, targetID, buckets[:len(buckets)/2])
		if err != nil {
			return Bucket{}, err
		}
	}

	sourceIDs := make([]string, len(used))
	for i, b := range used {
		sourceIDs[i] = b.ID
	}
	if err := sm.store.Promote(userID, from, sourceIDs, digest); err != nil {
		return Bucket{}, err
	}
	return digest, nil
}

func (sm *Summarizer) digest(ctx context.Context, target Tier, targetID string, buckets []Bucket) (Bucket, []Bucket, error) {
	req := DigestRequest{TargetTier: target, PeriodLabel: targetID}
	for _, b := range buckets {
		req.Buckets = append(req.Buckets, digestView(b))
	}

	var d Digest
	if sm.oracle != nil {
		var err error
		d, err = sm.oracle.Digest(ctx, req)
		if err != nil {
			return Bucket{}, nil, err
		}
	}

	carried, highlights := splitRetained(buckets)
	if strings.TrimSpace(d.Text) == "" {
		d.Text = fallbackDigestText(target, buckets)
	}
	d.Themes = clampThemes(d.Themes, buckets)

	// Facts scored for summary retention must survive even when the
	// oracle leaves them out of its prose.
	for _, h := range highlights {
		if !mentioned(d.Text, h) && !containsString(d.Decisions, h) {
			d.Decisions = append(d.Decisions, h)
		}
	}

	summary := &Summary{
		Text:       d.Text,
		Themes:     d.Themes,
		Highlights: d.Decisions,
		Recurring:  d.Recurring,
	}
	for _, b := range buckets {
		summary.SourceBucketIDs = append(summary.SourceBucketIDs, b.ID)
	}

	return Bucket{
		ID:        targetID,
		Tier:      target,
		State:     BucketActive,
		CreatedAt: sm.clock.Now(),
		Entries:   carried,
		Summary:   summary,
	}, buckets, nil
}

// digestView strips throwaway entries from a bucket before it goes to
// the oracle. Already-trimmed lines stay: they are the record of what was
// dropped.
func digestView(b Bucket) Bucket {
	view := b
	view.Entries = make([]Entry, 0, len(b.Entries))
	for _, e := range b.Entries {
		if e.Score != nil && RetentionOf(e.ScoreTotal()) == RetainDrop && !e.Trimmed {
			continue
		}
		view.Entries = append(view.Entries, e)
	}
	return view
}

// splitRetained collects the entries a digest must preserve: verbatim
// carries (score 8+, or protected) and highlight lines (score 5-7).
func splitRetained(buckets []Bucket) (carried []Entry, highlights []string) {
	for _, b := range buckets {
		for _, e := range b.Entries {
			if e.Protected || (e.Score != nil && RetentionOf(e.ScoreTotal()) == RetainPersistent) {
				carried = append(carried, e)
				continue
			}
			if e.Score != nil && RetentionOf(e.ScoreTotal()) == RetainSummary {
				highlights = append(highlights, e.Text)
			}
		}
	}
	return carried, highlights
}

func fallbackDigestText(target Tier, buckets []Bucket) string {
	entries := 0
	for _, b := range buckets {
		entries += len(b.Entries)
	}
	ids := make([]string, len(buckets))
	for i, b := range buckets {
		ids[i] = b.ID
	}
	return fmt.Sprintf("%s digest of %d entries from %s", target, entries, strings.Join(ids, ", "))
}

func clampThemes(themes []string, buckets []Bucket) []string {
	out := themes[:0:0]
	for _, t := range themes {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) > maxDigestThemes {
		out = out[:maxDigestThemes]
	}
	// Pad from source summaries so a digest never lands with a single
	// meaningless theme.
	for _, b := range buckets {
		if len(out) >= minDigestThemes {
			break
		}
		if b.Summary == nil {
			continue
		}
		for _, t := range b.Summary.Themes {
			if len(out) >= minDigestThemes {
				break
			}
			if !containsString(out, t) {
				out = append(out, t)
			}
		}
	}
	return out
}

func mentioned(text, fact string) bool {
	fact = strings.ToLower(strings.TrimSpace(fact))
	if fact == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), fact)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
