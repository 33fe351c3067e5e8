package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
)

// Config wires a Service together. Oracles are optional: a Service
// without them runs on the deterministic fallbacks everywhere.
type Config struct {
	DataDir              string
	Scheduler            SchedulerConfig
	Loader               LoaderConfig
	OracleCallsPerSecond float64

	ScoreOracle   ScoreOracle
	SummaryOracle SummaryOracle
	RankOracle    RankOracle
	Clock         Clock
}

// Service is the front door of the memory system. It owns the store, the
// retention pipeline and the context loader, and serializes writers per
// user so an append never races a cleanup.
type Service struct {
	store      *TieredStore
	topics     *TopicStore
	scorer     *Scorer
	summarizer *Summarizer
	indexer    *Indexer
	loader     *Loader
	scheduler  *Scheduler
	locks      *userLocks
	clock      Clock

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	store, err := NewTieredStore(cfg.DataDir, clock)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	topics, err := NewTopicStore(cfg.DataDir, clock)
	if err != nil {
		return nil, fmt.Errorf("init topic store: %w", err)
	}

	scoreOracle, summaryOracle, rankOracle := cfg.ScoreOracle, cfg.SummaryOracle, cfg.RankOracle
	if cfg.OracleCallsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.OracleCallsPerSecond), 1)
		if scoreOracle != nil {
			scoreOracle = &pacedScoreOracle{inner: scoreOracle, limiter: limiter}
		}
		if summaryOracle != nil {
			summaryOracle = &pacedSummaryOracle{inner: summaryOracle, limiter: limiter}
		}
	}

	locks := newUserLocks()
	scorer := NewScorer(scoreOracle, topics, clock)
	summarizer := NewSummarizer(store, summaryOracle, clock)
	indexer := NewIndexer(store, topics, clock)

	return &Service{
		store:      store,
		topics:     topics,
		scorer:     scorer,
		summarizer: summarizer,
		indexer:    indexer,
		loader:     NewLoader(store, rankOracle, clock, cfg.Loader),
		scheduler:  NewScheduler(store, scorer, summarizer, indexer, locks, clock, cfg.Scheduler),
		locks:      locks,
		clock:      clock,
		stopCh:     make(chan struct{}),
	}, nil
}

// EnsureUser bootstraps the on-disk layout for a user.
func (s *Service) EnsureUser(userID string) error {
	lock := s.locks.of(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.store.EnsureUser(userID)
}

// AppendMessage records one conversation message in today's daily bucket
// and tracks its topics for frequency scoring.
func (s *Service) AppendMessage(userID, speaker, text string) (Entry, error) {
	entry := Entry{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Timestamp: s.clock.Now(),
		Text:      text,
	}

	lock := s.locks.of(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.AppendEntry(userID, entry); err != nil {
		return Entry{}, err
	}
	if err := s.topics.Track(userID, text); err != nil {
		logger.WarnCF("service", "Topic tracking failed", map[string]interface{}{
			"user": userID, "error": err.Error(),
		})
	}
	return entry, nil
}

// LoadContext assembles the memory context for a model turn.
func (s *Service) LoadContext(ctx context.Context, userID, query string) (LoadedContext, error) {
	return s.loader.Load(ctx, userID, query)
}

// ForceCleanup runs the full retention pipeline for one user now.
func (s *Service) ForceCleanup(ctx context.Context, userID string) (UserCleanupStats, error) {
	return s.scheduler.RunUser(ctx, userID)
}

// RunScheduledCleanup runs the pipeline for every user now.
func (s *Service) RunScheduledCleanup(ctx context.Context) (CleanupStats, error) {
	return s.scheduler.RunAll(ctx)
}

// Start launches the background trigger loop: the cron schedule fires a
// full run, and size pressure fires a per-user run without waiting for
// the schedule.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.runTriggerLoop()
	logger.InfoC("service", "Memory service started")
}

func (s *Service) runTriggerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		if s.scheduler.Due(s.clock.Now()) {
			if _, err := s.scheduler.RunAll(ctx); err != nil {
				logger.ErrorCF("service", "Scheduled cleanup aborted", map[string]interface{}{
					"error": err.Error(),
				})
			}
		} else {
			s.relieveSizePressure(ctx)
		}
		cancel()
	}
}

func (s *Service) relieveSizePressure(ctx context.Context) {
	users, err := s.store.ListUsers()
	if err != nil {
		logger.ErrorCF("service", "User listing failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, userID := range users {
		if !s.scheduler.SizePressure(userID) {
			continue
		}
		if _, err := s.scheduler.RunUser(ctx, userID); err != nil {
			logger.ErrorCF("service", "Size-triggered cleanup failed", map[string]interface{}{
				"user": userID, "error": err.Error(),
			})
		}
	}
}

// Protect pins an entry: it survives every trim, digest and cleanup
// verbatim, and lands in the protected preferences document.
func (s *Service) Protect(userID, entryID string) error {
	return s.setProtection(userID, entryID, true)
}

// Unprotect releases a pinned entry back to normal retention.
func (s *Service) Unprotect(userID, entryID string) error {
	return s.setProtection(userID, entryID, false)
}

func (s *Service) setProtection(userID, entryID string, protected bool) error {
	lock := s.locks.of(userID)
	lock.Lock()
	defer lock.Unlock()

	b, entry, err := s.findEntry(userID, entryID)
	if err != nil {
		return err
	}
	for i := range b.Entries {
		if b.Entries[i].ID == entryID {
			b.Entries[i].Protected = protected
		}
	}
	if err := s.store.WriteBucket(userID, b); err != nil {
		return err
	}

	prefs, err := s.store.ReadPreferences(userID)
	if err != nil {
		return err
	}
	facts := prefs.Facts[:0]
	for _, f := range prefs.Facts {
		if f.EntryID != entryID {
			facts = append(facts, f)
		}
	}
	prefs.Facts = facts
	if protected {
		prefs.Facts = append(prefs.Facts, ProtectedFact{
			EntryID:  entryID,
			BucketID: b.ID,
			Text:     entry.Text,
			AddedAt:  s.clock.Now(),
		})
	}
	prefs.UpdatedAt = s.clock.Now()
	return s.store.WritePreferences(userID, prefs)
}

func (s *Service) findEntry(userID, entryID string) (Bucket, Entry, error) {
	for _, tier := range []Tier{TierDaily, TierWeekly, TierMonthly, TierYearly} {
		handles, err := s.store.ReadTier(userID, tier, time.Time{}, time.Time{})
		if err != nil {
			return Bucket{}, Entry{}, err
		}
		for _, h := range handles {
			b, err := s.store.LoadBucket(h)
			if err != nil {
				return Bucket{}, Entry{}, err
			}
			for _, e := range b.Entries {
				if e.ID == entryID {
					return b, e, nil
				}
			}
		}
	}
	return Bucket{}, Entry{}, fmt.Errorf("entry %s: %w", entryID, ErrBucketNotFound)
}

// Stats returns the index statistics for one user.
func (s *Service) Stats(userID string) (IndexStats, error) {
	idx, err := s.store.ReadIndex(userID)
	if err != nil {
		return IndexStats{}, err
	}
	return idx.Stats, nil
}

// ListIndexSnapshots lists rollback points, newest first.
func (s *Service) ListIndexSnapshots(userID string) ([]string, error) {
	return s.store.ListIndexSnapshots(userID)
}

// RollbackIndex restores the master index from a snapshot.
func (s *Service) RollbackIndex(userID, stamp string) error {
	lock := s.locks.of(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.store.RollbackIndex(userID, stamp)
}

// Users lists every known user.
func (s *Service) Users() ([]string, error) {
	return s.store.ListUsers()
}

// Close stops the trigger loop and releases the topic database.
func (s *Service) Close() error {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.topics.Close()
}

// pacedScoreOracle spaces oracle calls out so a bulk cleanup cannot
// hammer the provider.
type pacedScoreOracle struct {
	inner   ScoreOracle
	limiter *rate.Limiter
}

func (p *pacedScoreOracle) Score(ctx context.Context, req ScoreRequest) (ImportanceScore, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ImportanceScore{}, err
	}
	return p.inner.Score(ctx, req)
}

type pacedSummaryOracle struct {
	inner   SummaryOracle
	limiter *rate.Limiter
}

func (p *pacedSummaryOracle) Digest(ctx context.Context, req DigestRequest) (Digest, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Digest{}, err
	}
	return p.inner.Digest(ctx, req)
}
