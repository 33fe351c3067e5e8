package memory

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
)

const (
	indexFileName = "memory_index"
	prefsRelPath  = "protected/preferences"
	snapshotsDir  = "snapshots"
	gzipSuffix    = ".gz"
)

// TieredStore manages the per-user on-disk hierarchy:
//
//	users/<id>/memory_index
//	users/<id>/daily/YYYYMMDD
//	users/<id>/weekly/YYYY-Www
//	users/<id>/monthly/YYYY-MM
//	users/<id>/yearly/YYYY
//	users/<id>/archive/{tier}/{bucketId}[.gz]
//	users/<id>/protected/preferences
//	users/<id>/snapshots/{stamp}
//
// Bucket documents are JSON. A bucket file that exists under archive/ is
// promoted and immutable; writes against it fail with ErrStaleBucket.
type TieredStore struct {
	root  string
	clock Clock
}

// BucketHandle is a lazy reference to one bucket document. ReadTier
// returns handles, LoadBucket reads the content on demand, so a tier scan
// is finite and restartable and never iterates live mutating state.
type BucketHandle struct {
	UserID     string
	Tier       Tier
	ID         string
	Archived   bool
	Compressed bool
	Size       int64

	path string
}

func NewTieredStore(root string, clock Clock) (*TieredStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	usersDir := filepath.Join(root, "users")
	if err := os.MkdirAll(usersDir, 0o755); err != nil {
		return nil, storageErr("mkdir", usersDir, err)
	}
	return &TieredStore{root: root, clock: clock}, nil
}

func (s *TieredStore) userDir(userID string) string {
	return filepath.Join(s.root, "users", userID)
}

func (s *TieredStore) tierDir(userID string, tier Tier) string {
	return filepath.Join(s.userDir(userID), string(tier))
}

func (s *TieredStore) archiveDir(userID string, tier Tier) string {
	return filepath.Join(s.userDir(userID), "archive", string(tier))
}

// EnsureUser creates the full directory structure, a fresh master index
// and an empty preferences document for a user that does not exist yet.
func (s *TieredStore) EnsureUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	dirs := []string{
		s.tierDir(userID, TierDaily),
		s.tierDir(userID, TierWeekly),
		s.tierDir(userID, TierMonthly),
		s.tierDir(userID, TierYearly),
		s.archiveDir(userID, TierDaily),
		s.archiveDir(userID, TierWeekly),
		s.archiveDir(userID, TierMonthly),
		filepath.Dir(filepath.Join(s.userDir(userID), prefsRelPath)),
		filepath.Join(s.userDir(userID), snapshotsDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return storageErr("mkdir", d, err)
		}
	}

	now := s.clock.Now()
	indexPath := filepath.Join(s.userDir(userID), indexFileName)
	if _, err := os.Stat(indexPath); errors.Is(err, fs.ErrNotExist) {
		idx := MemoryIndex{
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
			Active:    map[Tier][]string{},
			Stats:     IndexStats{ActiveBuckets: map[Tier]int{}},
		}
		if err := s.writeIndexFile(userID, idx); err != nil {
			return err
		}
	}

	prefsPath := filepath.Join(s.userDir(userID), prefsRelPath)
	if _, err := os.Stat(prefsPath); errors.Is(err, fs.ErrNotExist) {
		if err := s.WritePreferences(userID, Preferences{UserID: userID, UpdatedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

// UserExists reports whether a user has a master index on disk.
func (s *TieredStore) UserExists(userID string) bool {
	_, err := os.Stat(filepath.Join(s.userDir(userID), indexFileName))
	return err == nil
}

// ListUsers returns every user directory under the store root.
func (s *TieredStore) ListUsers() ([]string, error) {
	usersDir := filepath.Join(s.root, "users")
	entries, err := os.ReadDir(usersDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("readdir", usersDir, err)
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

// AppendEntry writes an entry to the current daily bucket, creating the
// bucket if the day has none yet.
func (s *TieredStore) AppendEntry(userID string, entry Entry) error {
	if err := s.EnsureUser(userID); err != nil {
		return err
	}
	id := DailyBucketID(s.clock.Now())
	if s.isPromoted(userID, TierDaily, id) {
		return fmt.Errorf("append to daily bucket %s: %w", id, ErrStaleBucket)
	}

	bucket, err := s.loadActive(userID, TierDaily, id)
	if errors.Is(err, ErrBucketNotFound) {
		bucket = Bucket{ID: id, Tier: TierDaily, State: BucketActive, CreatedAt: s.clock.Now()}
	} else if err != nil {
		return err
	}
	bucket.Entries = append(bucket.Entries, entry)
	return s.writeBucketFile(s.activePath(userID, TierDaily, id), bucket)
}

// WriteBucket rewrites an active bucket document in place (soft trim,
// score or protection updates). Promoted buckets are immutable.
func (s *TieredStore) WriteBucket(userID string, b Bucket) error {
	if !b.Tier.Valid() || b.Tier == TierArchive {
		return fmt.Errorf("write bucket: invalid tier %q", b.Tier)
	}
	if s.isPromoted(userID, b.Tier, b.ID) {
		return fmt.Errorf("write bucket %s: %w", b.ID, ErrStaleBucket)
	}
	existing, err := s.loadActive(userID, b.Tier, b.ID)
	if err != nil && !errors.Is(err, ErrBucketNotFound) {
		return err
	}
	if err == nil && existing.State == BucketPromoted {
		return fmt.Errorf("write bucket %s: %w", b.ID, ErrStaleBucket)
	}
	return s.writeBucketFile(s.activePath(userID, b.Tier, b.ID), b)
}

// ReadTier lists the active buckets of a tier, newest first. The zero
// times mean an unbounded range. Pass TierArchive to list archived
// buckets of every tier.
func (s *TieredStore) ReadTier(userID string, tier Tier, from, to time.Time) ([]BucketHandle, error) {
	if tier == TierArchive {
		return s.readArchive(userID, from, to)
	}
	return s.listDir(userID, tier, s.tierDir(userID, tier), false, from, to)
}

// ReadArchiveTier lists the archived buckets that originated in one tier.
func (s *TieredStore) ReadArchiveTier(userID string, tier Tier) ([]BucketHandle, error) {
	return s.listDir(userID, tier, s.archiveDir(userID, tier), true, time.Time{}, time.Time{})
}

func (s *TieredStore) readArchive(userID string, from, to time.Time) ([]BucketHandle, error) {
	var all []BucketHandle
	for _, tier := range []Tier{TierDaily, TierWeekly, TierMonthly} {
		handles, err := s.listDir(userID, tier, s.archiveDir(userID, tier), true, from, to)
		if err != nil {
			return nil, err
		}
		all = append(all, handles...)
	}
	return all, nil
}

func (s *TieredStore) listDir(userID string, tier Tier, dir string, archived bool, from, to time.Time) ([]BucketHandle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("readdir", dir, err)
	}

	handles := make([]BucketHandle, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		compressed := strings.HasSuffix(name, gzipSuffix)
		id := strings.TrimSuffix(name, gzipSuffix)

		start, err := BucketPeriodStart(tier, id)
		if err != nil {
			logger.WarnCF("store", "Skipping unparseable bucket file", map[string]interface{}{
				"user": userID, "file": name,
			})
			continue
		}
		if !from.IsZero() && start.Before(from) {
			continue
		}
		if !to.IsZero() && start.After(to) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, storageErr("stat", filepath.Join(dir, name), err)
		}
		handles = append(handles, BucketHandle{
			UserID:     userID,
			Tier:       tier,
			ID:         id,
			Archived:   archived,
			Compressed: compressed,
			Size:       info.Size(),
			path:       filepath.Join(dir, name),
		})
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID > handles[j].ID })
	return handles, nil
}

// FindBucket locates a bucket in its active tier or, failing that, in the
// archive (compressed or not).
func (s *TieredStore) FindBucket(userID string, tier Tier, id string) (BucketHandle, error) {
	candidates := []BucketHandle{
		{UserID: userID, Tier: tier, ID: id, path: s.activePath(userID, tier, id)},
		{UserID: userID, Tier: tier, ID: id, Archived: true, path: filepath.Join(s.archiveDir(userID, tier), id)},
		{UserID: userID, Tier: tier, ID: id, Archived: true, Compressed: true, path: filepath.Join(s.archiveDir(userID, tier), id+gzipSuffix)},
	}
	for _, h := range candidates {
		info, err := os.Stat(h.path)
		if err == nil {
			h.Size = info.Size()
			return h, nil
		}
	}
	return BucketHandle{}, fmt.Errorf("%s/%s: %w", tier, id, ErrBucketNotFound)
}

// LoadBucket reads a bucket document, decompressing transparently.
func (s *TieredStore) LoadBucket(h BucketHandle) (Bucket, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return Bucket{}, storageErr("open", h.path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if h.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Bucket{}, storageErr("gunzip", h.path, err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Bucket{}, storageErr("read", h.path, err)
	}
	var b Bucket
	if err := json.Unmarshal(data, &b); err != nil {
		return Bucket{}, storageErr("decode", h.path, err)
	}
	return b, nil
}

// Promote atomically replaces lower-tier source buckets with a digest
// bucket in the target tier and relocates the originals to the archive.
// Either the digest and every archive copy exist, or nothing changed: an
// original is never deleted before its successor is durably in place.
func (s *TieredStore) Promote(userID string, from Tier, sourceIDs []string, digest Bucket) error {
	if digest.Tier.Rank() <= from.Rank() {
		return fmt.Errorf("promote %s -> %s: tiers only move forward", from, digest.Tier)
	}

	sources := make([]Bucket, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if s.isPromoted(userID, from, id) {
			return fmt.Errorf("promote source %s/%s: %w", from, id, ErrStaleBucket)
		}
		b, err := s.loadActive(userID, from, id)
		if err != nil {
			return err
		}
		sources = append(sources, b)
	}

	digest.State = BucketActive
	digestPath := s.activePath(userID, digest.Tier, digest.ID)
	// A digest landing on an existing bucket merges into it. This happens
	// when size pressure forced part of a period up early.
	priorDigest, _ := os.ReadFile(digestPath)
	if existing, err := s.loadActive(userID, digest.Tier, digest.ID); err == nil {
		digest = mergeDigests(existing, digest)
	} else if !errors.Is(err, ErrBucketNotFound) {
		return err
	}
	if err := s.writeBucketFile(digestPath, digest); err != nil {
		return err
	}

	rollbackDigest := func() {
		if priorDigest != nil {
			_ = writeFileAtomic(digestPath, priorDigest)
		} else {
			_ = os.Remove(digestPath)
		}
	}

	// Stage archive copies while the originals are still in place.
	archivedPaths := make([]string, 0, len(sources))
	for _, b := range sources {
		b.State = BucketPromoted
		dst := filepath.Join(s.archiveDir(userID, from), b.ID)
		if err := s.writeBucketFile(dst, b); err != nil {
			for _, p := range archivedPaths {
				_ = os.Remove(p)
			}
			rollbackDigest()
			return err
		}
		archivedPaths = append(archivedPaths, dst)
	}

	// Every successor exists now; removing the originals cannot lose data.
	for _, id := range sourceIDs {
		if err := os.Remove(s.activePath(userID, from, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WarnCF("store", "Promoted original left behind", map[string]interface{}{
				"user": userID, "tier": string(from), "bucket": id, "error": err.Error(),
			})
		}
	}
	return nil
}

func mergeDigests(older, newer Bucket) Bucket {
	merged := newer
	merged.CreatedAt = older.CreatedAt
	merged.Entries = append(append([]Entry{}, older.Entries...), newer.Entries...)
	if older.Summary == nil {
		return merged
	}
	if newer.Summary == nil {
		merged.Summary = older.Summary
		return merged
	}
	merged.Summary = &Summary{
		Text:            strings.TrimSpace(older.Summary.Text + "\n\n" + newer.Summary.Text),
		Themes:          unionStrings(older.Summary.Themes, newer.Summary.Themes),
		Highlights:      unionStrings(older.Summary.Highlights, newer.Summary.Highlights),
		Recurring:       unionStrings(older.Summary.Recurring, newer.Summary.Recurring),
		SourceBucketIDs: unionStrings(older.Summary.SourceBucketIDs, newer.Summary.SourceBucketIDs),
	}
	return merged
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Compress gzips an archived bucket in place. The compressed file
// reproduces the original bytes exactly on decompression.
func (s *TieredStore) Compress(h BucketHandle) (BucketHandle, error) {
	if !h.Archived || h.Compressed {
		return h, fmt.Errorf("compress %s: only plain archived buckets are compressible", h.ID)
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return h, storageErr("read", h.path, err)
	}

	dst := h.path + gzipSuffix
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return h, storageErr("tempfile", dst, err)
	}
	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(data); err == nil {
		err = gz.Close()
	} else {
		_ = gz.Close()
	}
	if err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return h, storageErr("gzip", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return h, storageErr("rename", dst, err)
	}
	if err := os.Remove(h.path); err != nil {
		return h, storageErr("remove", h.path, err)
	}

	h.path = dst
	h.Compressed = true
	if info, err := os.Stat(dst); err == nil {
		h.Size = info.Size()
	}
	return h, nil
}

// Decompress restores a compressed archive bucket to its plain form.
func (s *TieredStore) Decompress(h BucketHandle) (BucketHandle, error) {
	if !h.Compressed {
		return h, nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		return h, storageErr("open", h.path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return h, storageErr("gunzip", h.path, err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return h, storageErr("gunzip", h.path, err)
	}

	dst := strings.TrimSuffix(h.path, gzipSuffix)
	if err := writeFileAtomic(dst, data); err != nil {
		return h, err
	}
	if err := os.Remove(h.path); err != nil {
		return h, storageErr("remove", h.path, err)
	}

	h.path = dst
	h.Compressed = false
	if info, err := os.Stat(dst); err == nil {
		h.Size = info.Size()
	}
	return h, nil
}

// TierSizeBytes sums the active files of one tier.
func (s *TieredStore) TierSizeBytes(userID string, tier Tier) (int64, error) {
	return dirSize(s.tierDir(userID, tier))
}

// TotalSizeBytes sums everything under the user directory.
func (s *TieredStore) TotalSizeBytes(userID string) (int64, error) {
	return dirSize(s.userDir(userID))
}

// ReadIndex loads the master index document.
func (s *TieredStore) ReadIndex(userID string) (MemoryIndex, error) {
	path := filepath.Join(s.userDir(userID), indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return MemoryIndex{}, storageErr("read", path, err)
	}
	var idx MemoryIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return MemoryIndex{}, storageErr("decode", path, err)
	}
	return idx, nil
}

// WriteIndex snapshots the current index, then replaces it. Snapshots back
// manual rollback of a bad compaction.
func (s *TieredStore) WriteIndex(userID string, idx MemoryIndex) error {
	current := filepath.Join(s.userDir(userID), indexFileName)
	if data, err := os.ReadFile(current); err == nil {
		stamp := s.clock.Now().UTC().Format("20060102T150405")
		snap := filepath.Join(s.userDir(userID), snapshotsDir, stamp)
		if err := writeFileAtomic(snap, data); err != nil {
			return err
		}
	}
	return s.writeIndexFile(userID, idx)
}

func (s *TieredStore) writeIndexFile(userID string, idx MemoryIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.userDir(userID), indexFileName), data)
}

// ListIndexSnapshots returns snapshot stamps, newest first.
func (s *TieredStore) ListIndexSnapshots(userID string) ([]string, error) {
	dir := filepath.Join(s.userDir(userID), snapshotsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("readdir", dir, err)
	}
	stamps := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			stamps = append(stamps, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	return stamps, nil
}

// RollbackIndex restores the master index from a prior snapshot.
func (s *TieredStore) RollbackIndex(userID, stamp string) error {
	snap := filepath.Join(s.userDir(userID), snapshotsDir, stamp)
	data, err := os.ReadFile(snap)
	if err != nil {
		return storageErr("read", snap, err)
	}
	return writeFileAtomic(filepath.Join(s.userDir(userID), indexFileName), data)
}

// ReadPreferences loads the protected preferences document.
func (s *TieredStore) ReadPreferences(userID string) (Preferences, error) {
	path := filepath.Join(s.userDir(userID), prefsRelPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Preferences{UserID: userID}, nil
		}
		return Preferences{}, storageErr("read", path, err)
	}
	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, storageErr("decode", path, err)
	}
	return p, nil
}

func (s *TieredStore) WritePreferences(userID string, p Preferences) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.userDir(userID), prefsRelPath), data)
}

func (s *TieredStore) activePath(userID string, tier Tier, id string) string {
	return filepath.Join(s.tierDir(userID, tier), id)
}

func (s *TieredStore) isPromoted(userID string, tier Tier, id string) bool {
	base := filepath.Join(s.archiveDir(userID, tier), id)
	if _, err := os.Stat(base); err == nil {
		return true
	}
	if _, err := os.Stat(base + gzipSuffix); err == nil {
		return true
	}
	return false
}

func (s *TieredStore) loadActive(userID string, tier Tier, id string) (Bucket, error) {
	path := s.activePath(userID, tier, id)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Bucket{}, fmt.Errorf("%s/%s: %w", tier, id, ErrBucketNotFound)
	}
	return s.LoadBucket(BucketHandle{UserID: userID, Tier: tier, ID: id, path: path})
}

func (s *TieredStore) writeBucketFile(path string, b Bucket) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bucket %s: %w", b.ID, err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storageErr("mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return storageErr("tempfile", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return storageErr("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return storageErr("close", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return storageErr("chmod", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return storageErr("rename", path, err)
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, storageErr("walk", dir, err)
	}
	return total, nil
}
