package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
)

const (
	maxDailyCandidates   = 30
	maxWeeklyCandidates  = 12
	maxMonthlyCandidates = 6
)

// LoaderConfig bounds what a single context load may pull in.
type LoaderConfig struct {
	// ModelContextTokens is the target model's full window.
	ModelContextTokens int
	// MemoryFraction is the share of the window memory may occupy.
	MemoryFraction float64
	// RecentDailyBuckets is the size of the always-loaded standard set.
	RecentDailyBuckets int
	// RankTimeout caps the relevance oracle call.
	RankTimeout time.Duration
}

func (c LoaderConfig) budget() int {
	return int(float64(c.ModelContextTokens) * c.MemoryFraction)
}

// Loader assembles the memory context for a model turn: the standard set
// (index, protected preferences, recent daily buckets) plus
// query-relevant extras within a token budget. It degrades, never fails:
// a dead ranking oracle just means the standard set alone.
type Loader struct {
	store  *TieredStore
	ranker RankOracle
	clock  Clock
	cfg    LoaderConfig
}

func NewLoader(store *TieredStore, ranker RankOracle, clock Clock, cfg LoaderConfig) *Loader {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.ModelContextTokens <= 0 {
		cfg.ModelContextTokens = 128000
	}
	if cfg.MemoryFraction <= 0 || cfg.MemoryFraction > 1 {
		cfg.MemoryFraction = 0.5
	}
	if cfg.RecentDailyBuckets <= 0 {
		cfg.RecentDailyBuckets = 3
	}
	if cfg.RankTimeout <= 0 {
		cfg.RankTimeout = 5 * time.Second
	}
	return &Loader{store: store, ranker: ranker, clock: clock, cfg: cfg}
}

// Load builds the context for one turn. An empty query loads only the
// standard set.
func (l *Loader) Load(ctx context.Context, userID, query string) (LoadedContext, error) {
	idx, err := l.store.ReadIndex(userID)
	if err != nil {
		return LoadedContext{}, err
	}
	prefs, err := l.store.ReadPreferences(userID)
	if err != nil {
		return LoadedContext{}, err
	}

	lc := LoadedContext{Index: idx, Preferences: prefs}
	lc.TotalTokens = EstimateTokens(renderIndex(idx)) + EstimateTokens(renderPreferences(prefs))

	daily, err := l.store.ReadTier(userID, TierDaily, time.Time{}, time.Time{})
	if err != nil {
		return LoadedContext{}, err
	}
	recent := daily
	if len(recent) > l.cfg.RecentDailyBuckets {
		recent = recent[:l.cfg.RecentDailyBuckets]
	}
	for _, h := range recent {
		b, err := l.store.LoadBucket(h)
		if err != nil {
			return LoadedContext{}, err
		}
		lc.StandardBuckets = append(lc.StandardBuckets, b)
		lc.TotalTokens += bucketTokens(b)
		lc.Loaded = append(lc.Loaded, string(h.Tier)+"/"+h.ID)
	}

	if strings.TrimSpace(query) == "" {
		return lc, nil
	}

	var extras []BucketHandle
	if ids := referencedBucketIDs(query, l.clock.Now()); len(ids) > 0 {
		extras = l.resolveDateRefs(userID, ids, recent)
	} else {
		extras = l.rank(ctx, userID, query, recent)
		if extras == nil && l.ranker != nil {
			lc.Degraded = true
		}
	}

	budget := l.cfg.budget()
	for _, h := range extras {
		b, err := l.store.LoadBucket(h)
		if err != nil {
			logger.WarnCF("loader", "Skipping unreadable bucket", map[string]interface{}{
				"user": userID, "bucket": h.ID, "error": err.Error(),
			})
			continue
		}
		cost := bucketTokens(b)
		if lc.TotalTokens+cost > budget {
			logger.InfoCF("loader", "Token budget reached, stopping extra loading", map[string]interface{}{
				"user": userID, "bucket": h.ID, "cost": cost, "used": lc.TotalTokens, "budget": budget,
			})
			break
		}
		lc.ExtraBuckets = append(lc.ExtraBuckets, b)
		lc.TotalTokens += cost
		lc.Loaded = append(lc.Loaded, string(h.Tier)+"/"+h.ID)
	}
	return lc, nil
}

// resolveDateRefs looks up the buckets a query names directly. A query
// that names a date never goes through the ranking oracle.
func (l *Loader) resolveDateRefs(userID string, ids []string, already []BucketHandle) []BucketHandle {
	loaded := map[string]bool{}
	for _, h := range already {
		loaded[h.ID] = true
	}
	var out []BucketHandle
	for _, id := range ids {
		if loaded[id] {
			continue
		}
		h, err := l.store.FindBucket(userID, TierDaily, id)
		if err != nil {
			logger.DebugCF("loader", "Referenced date has no bucket", map[string]interface{}{
				"user": userID, "bucket": id,
			})
			continue
		}
		out = append(out, h)
		loaded[id] = true
	}
	return out
}

func (l *Loader) rank(ctx context.Context, userID, query string, already []BucketHandle) []BucketHandle {
	if l.ranker == nil {
		return nil
	}
	loaded := map[string]bool{}
	for _, h := range already {
		loaded[h.ID] = true
	}

	byID := map[string]BucketHandle{}
	var candidates []TierMetadata
	for _, src := range []struct {
		tier  Tier
		limit int
	}{
		{TierDaily, maxDailyCandidates},
		{TierWeekly, maxWeeklyCandidates},
		{TierMonthly, maxMonthlyCandidates},
	} {
		handles, err := l.store.ReadTier(userID, src.tier, time.Time{}, time.Time{})
		if err != nil {
			logger.WarnCF("loader", "Candidate listing failed", map[string]interface{}{
				"user": userID, "tier": string(src.tier), "error": err.Error(),
			})
			continue
		}
		n := 0
		for _, h := range handles {
			if loaded[h.ID] || n >= src.limit {
				continue
			}
			meta := TierMetadata{BucketID: h.ID, Tier: h.Tier}
			if start, err := BucketPeriodStart(h.Tier, h.ID); err == nil {
				meta.PeriodStart = start
			}
			if h.Tier != TierDaily {
				if b, err := l.store.LoadBucket(h); err == nil && b.Summary != nil {
					meta.Themes = b.Summary.Themes
				}
			}
			candidates = append(candidates, meta)
			byID[h.ID] = h
			n++
		}
	}
	if len(candidates) == 0 {
		return []BucketHandle{}
	}

	rctx, cancel := context.WithTimeout(ctx, l.cfg.RankTimeout)
	defer cancel()
	ranked, err := l.ranker.Rank(rctx, RankRequest{Query: query, Candidates: candidates})
	if err != nil {
		logger.WarnCF("loader", "Relevance ranking failed, standard set only", map[string]interface{}{
			"user": userID, "error": err.Error(),
		})
		return nil
	}

	var out []BucketHandle
	for _, id := range ranked {
		if h, ok := byID[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// FormatForModel renders a loaded context as the text block handed to
// the model.
func FormatForModel(lc LoadedContext) string {
	var sb strings.Builder
	sb.WriteString(renderIndex(lc.Index))
	sb.WriteString(renderPreferences(lc.Preferences))
	for _, b := range lc.StandardBuckets {
		renderBucket(&sb, b)
	}
	if len(lc.ExtraBuckets) > 0 {
		sb.WriteString("\n## Related memory\n")
		for _, b := range lc.ExtraBuckets {
			renderBucket(&sb, b)
		}
	}
	return sb.String()
}

func renderIndex(idx MemoryIndex) string {
	var sb strings.Builder
	sb.WriteString("# Memory index\n")
	if len(idx.Stats.TopTopics) > 0 {
		sb.WriteString("Recurring topics: " + strings.Join(idx.Stats.TopTopics, ", ") + "\n")
	}
	for _, h := range idx.Highlights {
		fmt.Fprintf(&sb, "- [%s/%s] %s\n", h.Tier, h.BucketID, h.Text)
	}
	return sb.String()
}

func renderPreferences(p Preferences) string {
	if len(p.Facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n## Protected facts\n")
	for _, f := range p.Facts {
		sb.WriteString("- " + f.Text + "\n")
	}
	return sb.String()
}

func renderBucket(sb *strings.Builder, b Bucket) {
	fmt.Fprintf(sb, "\n## %s %s\n", b.Tier, b.ID)
	if b.Summary != nil {
		sb.WriteString(b.Summary.Text + "\n")
		if len(b.Summary.Themes) > 0 {
			sb.WriteString("Themes: " + strings.Join(b.Summary.Themes, ", ") + "\n")
		}
		for _, h := range b.Summary.Highlights {
			sb.WriteString("- " + h + "\n")
		}
	}
	for _, e := range b.Entries {
		fmt.Fprintf(sb, "[%s] %s: %s\n", e.Timestamp.Format("15:04"), e.Speaker, e.Text)
	}
}

func bucketTokens(b Bucket) int {
	var sb strings.Builder
	renderBucket(&sb, b)
	return EstimateTokens(sb.String())
}

var (
	reCompactDate = regexp.MustCompile(`\b(20\d{2})(\d{2})(\d{2})\b`)
	reISODate     = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	reMonthDay    = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})\b`)
)

var monthsByName = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

// referencedBucketIDs extracts daily bucket IDs from explicit date
// mentions in a query. Month-and-day mentions resolve against the most
// recent occurrence of that date.
func referencedBucketIDs(query string, now time.Time) []string {
	lower := strings.ToLower(query)
	seen := map[string]bool{}
	var ids []string
	add := func(t time.Time) {
		id := DailyBucketID(t)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, m := range reCompactDate.FindAllStringSubmatch(lower, -1) {
		if t, err := time.Parse("20060102", m[1]+m[2]+m[3]); err == nil {
			add(t)
		}
	}
	for _, m := range reISODate.FindAllStringSubmatch(lower, -1) {
		if t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			add(t)
		}
	}
	for _, m := range reMonthDay.FindAllStringSubmatch(lower, -1) {
		month := monthsByName[m[1]]
		day := 0
		fmt.Sscanf(m[2], "%d", &day)
		if day < 1 || day > 31 {
			continue
		}
		t := time.Date(now.Year(), month, day, 0, 0, 0, 0, now.Location())
		if t.After(now) {
			t = t.AddDate(-1, 0, 0)
		}
		add(t)
	}

	switch {
	case strings.Contains(lower, "yesterday"):
		add(now.AddDate(0, 0, -1))
	case strings.Contains(lower, "today"):
		add(now)
	}
	return ids
}
