package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
)

const emergencyBatchSize = 5

// SchedulerConfig holds the retention thresholds and the cron schedule.
type SchedulerConfig struct {
	CronExpr             string
	SoftTrimAfterDays    int
	WeeklyAfterDays      int
	MonthlyAfterDays     int
	CompressAfterDays    int
	YearlyAfterDays      int
	ProtectionWindowDays int
	DailyTierCeilingMB   float64
	TotalCeilingMB       float64
	Workers              int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.CronExpr == "" {
		c.CronExpr = "0 4 * * *"
	}
	if c.SoftTrimAfterDays <= 0 {
		c.SoftTrimAfterDays = 1
	}
	if c.WeeklyAfterDays <= 0 {
		c.WeeklyAfterDays = 7
	}
	if c.MonthlyAfterDays <= 0 {
		c.MonthlyAfterDays = 30
	}
	if c.CompressAfterDays <= 0 {
		c.CompressAfterDays = 90
	}
	if c.YearlyAfterDays <= 0 {
		c.YearlyAfterDays = 365
	}
	if c.ProtectionWindowDays <= 0 {
		c.ProtectionWindowDays = 7
	}
	if c.DailyTierCeilingMB <= 0 {
		c.DailyTierCeilingMB = 20
	}
	if c.TotalCeilingMB <= 0 {
		c.TotalCeilingMB = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// userLocks serializes mutation per user between the scheduler and the
// append path.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{m: map[string]*sync.Mutex{}}
}

func (l *userLocks) of(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.m[userID]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.m[userID] = m
	return m
}

// Scheduler runs the retention pipeline. Two triggers fire it: the daily
// cron expression, and size pressure on a user's storage. The size
// trigger is always evaluated first so a runaway daily tier cannot wait
// a day for relief.
type Scheduler struct {
	store      *TieredStore
	scorer     *Scorer
	summarizer *Summarizer
	indexer    *Indexer
	clock      Clock
	cfg        SchedulerConfig
	locks      *userLocks
	cron       *gronx.Gronx
}

func NewScheduler(store *TieredStore, scorer *Scorer, summarizer *Summarizer, indexer *Indexer, locks *userLocks, clock Clock, cfg SchedulerConfig) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if locks == nil {
		locks = newUserLocks()
	}
	return &Scheduler{
		store:      store,
		scorer:     scorer,
		summarizer: summarizer,
		indexer:    indexer,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		locks:      locks,
		cron:       gronx.New(),
	}
}

// Due reports whether the cron schedule matches the given minute.
func (s *Scheduler) Due(at time.Time) bool {
	due, err := s.cron.IsDue(s.cfg.CronExpr, at)
	if err != nil {
		logger.ErrorCF("scheduler", "Invalid cron expression", map[string]interface{}{
			"expr": s.cfg.CronExpr, "error": err.Error(),
		})
		return false
	}
	return due
}

// SizePressure reports whether a user is over either storage ceiling.
func (s *Scheduler) SizePressure(userID string) bool {
	if daily, err := s.store.TierSizeBytes(userID, TierDaily); err == nil {
		if daily > int64(s.cfg.DailyTierCeilingMB*1024*1024) {
			return true
		}
	}
	if total, err := s.store.TotalSizeBytes(userID); err == nil {
		if total > int64(s.cfg.TotalCeilingMB*1024*1024) {
			return true
		}
	}
	return false
}

// RunAll fans the pipeline out over every known user with a bounded
// worker pool. Per-user failures are counted, never fatal.
func (s *Scheduler) RunAll(ctx context.Context) (CleanupStats, error) {
	users, err := s.store.ListUsers()
	if err != nil {
		return CleanupStats{}, err
	}

	var (
		mu    sync.Mutex
		stats CleanupStats
		wg    sync.WaitGroup
	)
	jobs := make(chan string)

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range jobs {
				u, err := s.RunUser(ctx, userID)
				mu.Lock()
				stats.ProcessedUsers++
				if err != nil {
					stats.Errors++
					logger.ErrorCF("scheduler", "User cleanup failed", map[string]interface{}{
						"user": userID, "error": err.Error(),
					})
				} else {
					stats.add(u)
				}
				mu.Unlock()
			}
		}()
	}

	for _, userID := range users {
		select {
		case jobs <- userID:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	logger.InfoCF("scheduler", "Cleanup run finished", map[string]interface{}{
		"users": stats.ProcessedUsers, "errors": stats.Errors,
		"soft_trimmed": stats.SoftTrimmed, "weekly": stats.WeeklySummaries,
		"monthly": stats.MonthlySummaries, "yearly": stats.YearlySummaries,
		"compressed": stats.Compressed,
	})
	return stats, ctx.Err()
}

// RunUser executes the full pipeline for one user: size relief first,
// then scoring and soft trim, then weekly, monthly and yearly
// promotion, then archive compression, finishing with an index rebuild.
// A run with no eligible buckets is a no-op.
func (s *Scheduler) RunUser(ctx context.Context, userID string) (UserCleanupStats, error) {
	lock := s.locks.of(userID)
	lock.Lock()
	defer lock.Unlock()

	var stats UserCleanupStats
	now := s.clock.Now()

	stages := []struct {
		name string
		run  func(context.Context, string, time.Time, *UserCleanupStats) error
	}{
		{"size_relief", s.stageSizeRelief},
		{"score_and_trim", s.stageScoreAndTrim},
		{"weekly", s.stageWeekly},
		{"monthly", s.stageMonthly},
		{"yearly", s.stageYearly},
		{"compress", s.stageCompress},
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := stage.run(ctx, userID, now, &stats); err != nil {
			return stats, fmt.Errorf("stage %s: %w", stage.name, err)
		}
	}

	idx, err := s.indexer.Rebuild(userID, now)
	if err != nil {
		return stats, fmt.Errorf("rebuild index: %w", err)
	}
	if err := s.store.WriteIndex(userID, idx); err != nil {
		return stats, err
	}
	return stats, nil
}

// stageSizeRelief is the size trigger. Over-ceiling users get their
// oldest daily buckets condensed immediately, protection window or not.
// Protected entries still ride into the digest verbatim.
func (s *Scheduler) stageSizeRelief(ctx context.Context, userID string, now time.Time, stats *UserCleanupStats) error {
	if !s.SizePressure(userID) {
		return nil
	}
	logger.WarnCF("scheduler", "Storage ceiling exceeded, forcing early summarization", map[string]interface{}{
		"user": userID,
	})

	handles, err := s.store.ReadTier(userID, TierDaily, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	today := DailyBucketID(now)
	var oldest []BucketHandle
	for i := len(handles) - 1; i >= 0 && len(oldest) < emergencyBatchSize; i-- {
		if handles[i].ID == today {
			continue
		}
		oldest = append(oldest, handles[i])
	}
	if len(oldest) == 0 {
		return nil
	}

	for _, group := range groupByISOWeek(oldest) {
		if err := s.promoteWeek(ctx, userID, group, stats); err != nil {
			return err
		}
	}
	return nil
}

// stageScoreAndTrim scores unscored entries in daily buckets at least a
// day old, then soft-trims the throwaways. Buckets still inside the
// protection window are scored but never trimmed.
func (s *Scheduler) stageScoreAndTrim(ctx context.Context, userID string, now time.Time, stats *UserCleanupStats) error {
	scoreCutoff := now.AddDate(0, 0, -s.cfg.SoftTrimAfterDays)
	trimWindow := s.cfg.SoftTrimAfterDays
	if s.cfg.ProtectionWindowDays > trimWindow {
		trimWindow = s.cfg.ProtectionWindowDays
	}
	trimCutoff := now.AddDate(0, 0, -trimWindow)

	handles, err := s.store.ReadTier(userID, TierDaily, time.Time{}, scoreCutoff)
	if err != nil {
		return err
	}
	for _, h := range handles {
		b, err := s.store.LoadBucket(h)
		if err != nil {
			return err
		}
		changed := false
		for i := range b.Entries {
			if b.Entries[i].Score != nil {
				continue
			}
			score := s.scorer.Score(ctx, userID, b.Entries[i])
			b.Entries[i].Score = &score
			changed = true
		}
		if changed {
			if err := s.store.WriteBucket(userID, b); err != nil {
				if errors.Is(err, ErrStaleBucket) {
					continue
				}
				return err
			}
		}
		if start, perr := BucketPeriodStart(TierDaily, h.ID); perr == nil && start.After(trimCutoff) {
			continue
		}
		_, n, err := s.summarizer.SoftTrim(userID, b)
		if err != nil {
			if errors.Is(err, ErrStaleBucket) {
				continue
			}
			return err
		}
		stats.SoftTrimmed += n
	}
	return nil
}

// stageWeekly condenses daily buckets whose ISO week ended at least the
// retention window ago.
func (s *Scheduler) stageWeekly(ctx context.Context, userID string, now time.Time, stats *UserCleanupStats) error {
	// The protection window floors the regular promotion delay; only the
	// size trigger may reach inside it.
	window := s.cfg.WeeklyAfterDays
	if s.cfg.ProtectionWindowDays > window {
		window = s.cfg.ProtectionWindowDays
	}
	cutoff := now.AddDate(0, 0, -window)
	handles, err := s.store.ReadTier(userID, TierDaily, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	for weekID, group := range groupByISOWeek(handles) {
		weekStart, err := BucketPeriodStart(TierWeekly, weekID)
		if err != nil {
			continue
		}
		weekEnd := weekStart.AddDate(0, 0, 7)
		if weekEnd.After(cutoff) {
			continue
		}
		if err := s.promoteWeek(ctx, userID, group, stats); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) promoteWeek(ctx context.Context, userID string, group []BucketHandle, stats *UserCleanupStats) error {
	if len(group) == 0 {
		return nil
	}
	start, err := BucketPeriodStart(TierDaily, group[0].ID)
	if err != nil {
		return err
	}
	targetID := WeeklyBucketID(start)
	if _, err := s.summarizer.SummarizeUp(ctx, userID, TierDaily, group, targetID); err != nil {
		if errors.Is(err, ErrStaleBucket) {
			logger.DebugCF("scheduler", "Weekly group already promoted", map[string]interface{}{
				"user": userID, "week": targetID,
			})
			return nil
		}
		logger.WarnCF("scheduler", "Weekly digest failed, deferring to next run", map[string]interface{}{
			"user": userID, "week": targetID, "error": err.Error(),
		})
		return nil
	}
	stats.WeeklySummaries++
	stats.Archived += len(group)
	return nil
}

// stageMonthly condenses the weekly buckets of an elapsed month once at
// least four have accumulated.
func (s *Scheduler) stageMonthly(ctx context.Context, userID string, now time.Time, stats *UserCleanupStats) error {
	handles, err := s.store.ReadTier(userID, TierWeekly, time.Time{}, time.Time{})
	if err != nil {
		return err
	}

	byMonth := map[string][]BucketHandle{}
	for _, h := range handles {
		start, err := BucketPeriodStart(TierWeekly, h.ID)
		if err != nil {
			continue
		}
		byMonth[MonthlyBucketID(start)] = append(byMonth[MonthlyBucketID(start)], h)
	}

	currentMonth := MonthlyBucketID(now)
	cutoff := now.AddDate(0, 0, -s.cfg.MonthlyAfterDays)
	for monthID, group := range byMonth {
		if monthID >= currentMonth || len(group) < 4 {
			continue
		}
		monthStart, err := BucketPeriodStart(TierMonthly, monthID)
		if err != nil {
			continue
		}
		if monthStart.AddDate(0, 1, 0).After(cutoff) {
			continue
		}
		if _, err := s.summarizer.SummarizeUp(ctx, userID, TierWeekly, group, monthID); err != nil {
			if errors.Is(err, ErrStaleBucket) {
				continue
			}
			logger.WarnCF("scheduler", "Monthly digest failed, deferring to next run", map[string]interface{}{
				"user": userID, "month": monthID, "error": err.Error(),
			})
			continue
		}
		stats.MonthlySummaries++
		stats.Archived += len(group)
	}
	return nil
}

// stageYearly condenses monthly buckets of a completed year once at
// least ten have accumulated.
func (s *Scheduler) stageYearly(ctx context.Context, userID string, now time.Time, stats *UserCleanupStats) error {
	handles, err := s.store.ReadTier(userID, TierMonthly, time.Time{}, time.Time{})
	if err != nil {
		return err
	}

	byYear := map[string][]BucketHandle{}
	for _, h := range handles {
		start, err := BucketPeriodStart(TierMonthly, h.ID)
		if err != nil {
			continue
		}
		byYear[YearlyBucketID(start)] = append(byYear[YearlyBucketID(start)], h)
	}

	currentYear := YearlyBucketID(now)
	for yearID, group := range byYear {
		if yearID >= currentYear || len(group) < 10 {
			continue
		}
		if _, err := s.summarizer.SummarizeUp(ctx, userID, TierMonthly, group, yearID); err != nil {
			if errors.Is(err, ErrStaleBucket) {
				continue
			}
			logger.WarnCF("scheduler", "Yearly digest failed, deferring to next run", map[string]interface{}{
				"user": userID, "year": yearID, "error": err.Error(),
			})
			continue
		}
		stats.YearlySummaries++
		stats.Archived += len(group)
	}
	return nil
}

// stageCompress gzips archived buckets older than the compression
// threshold.
func (s *Scheduler) stageCompress(ctx context.Context, userID string, now time.Time, stats *UserCleanupStats) error {
	cutoff := now.AddDate(0, 0, -s.cfg.CompressAfterDays)
	handles, err := s.store.ReadTier(userID, TierArchive, time.Time{}, cutoff)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if h.Compressed {
			continue
		}
		if _, err := s.store.Compress(h); err != nil {
			logger.WarnCF("scheduler", "Compression failed", map[string]interface{}{
				"user": userID, "bucket": h.ID, "error": err.Error(),
			})
			continue
		}
		stats.Compressed++
	}
	return nil
}

func groupByISOWeek(handles []BucketHandle) map[string][]BucketHandle {
	groups := map[string][]BucketHandle{}
	for _, h := range handles {
		start, err := BucketPeriodStart(TierDaily, h.ID)
		if err != nil {
			continue
		}
		weekID := WeeklyBucketID(start)
		groups[weekID] = append(groups[weekID], h)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].ID < g[j].ID })
	}
	return groups
}
