package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"
)

// TopicStore tracks how often each conversation topic recurs per user,
// backing the frequency component of importance scoring. It lives in a
// single sqlite file under the store root.
type TopicStore struct {
	db    *sql.DB
	clock Clock
}

func NewTopicStore(root string, clock Clock) (*TopicStore, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	path := filepath.Join(root, "state", "topics.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("mkdir", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open topic db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ts := &TopicStore{db: db, clock: clock}
	if err := ts.init(); err != nil {
		db.Close()
		return nil, err
	}
	return ts, nil
}

func (ts *TopicStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := ts.db.Exec(p); err != nil {
			return fmt.Errorf("topic db pragma: %w", err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS topics (
	user_id       TEXT NOT NULL,
	topic         TEXT NOT NULL,
	mentions      INTEGER NOT NULL DEFAULT 0,
	first_seen_ms INTEGER NOT NULL,
	last_seen_ms  INTEGER NOT NULL,
	PRIMARY KEY (user_id, topic)
);
CREATE INDEX IF NOT EXISTS idx_topics_user_mentions ON topics(user_id, mentions DESC);
`
	if _, err := ts.db.Exec(schema); err != nil {
		return fmt.Errorf("topic db schema: %w", err)
	}
	return nil
}

// Track records one mention of each topic found in the text.
func (ts *TopicStore) Track(userID, text string) error {
	topics := ExtractTopics(text)
	if len(topics) == 0 {
		return nil
	}
	now := ts.clock.Now().UnixMilli()
	tx, err := ts.db.Begin()
	if err != nil {
		return fmt.Errorf("topic track: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
INSERT INTO topics (user_id, topic, mentions, first_seen_ms, last_seen_ms)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(user_id, topic) DO UPDATE SET
	mentions = mentions + 1,
	last_seen_ms = excluded.last_seen_ms`)
	if err != nil {
		return fmt.Errorf("topic track: %w", err)
	}
	defer stmt.Close()

	for _, topic := range topics {
		if _, err := stmt.Exec(userID, topic, now, now); err != nil {
			return fmt.Errorf("topic track %q: %w", topic, err)
		}
	}
	return tx.Commit()
}

// Frequency returns the highest mention count among the topics in text.
func (ts *TopicStore) Frequency(userID, text string) (int, error) {
	topics := ExtractTopics(text)
	if len(topics) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(topics))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(topics)+1)
	args = append(args, userID)
	for _, t := range topics {
		args = append(args, t)
	}

	var max sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(mentions) FROM topics WHERE user_id = ? AND topic IN (%s)", placeholders)
	if err := ts.db.QueryRow(query, args...).Scan(&max); err != nil {
		return 0, fmt.Errorf("topic frequency: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// MostFrequent returns up to limit topics by mention count.
func (ts *TopicStore) MostFrequent(userID string, limit int) ([]string, error) {
	rows, err := ts.db.Query(
		"SELECT topic FROM topics WHERE user_id = ? ORDER BY mentions DESC, topic ASC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("topic query: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("topic scan: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (ts *TopicStore) Close() error {
	return ts.db.Close()
}

// ExtractTopics pulls significant lowercase words out of a message.
// Short tokens and filler words are dropped.
func ExtractTopics(text string) []string {
	seen := map[string]bool{}
	var topics []string
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) < 4 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		topics = append(topics, word)
	}
	return topics
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"what": true, "when": true, "where": true, "which": true, "will": true,
	"would": true, "could": true, "should": true, "about": true, "there": true,
	"their": true, "they": true, "them": true, "then": true, "than": true,
	"your": true, "just": true, "like": true, "been": true, "were": true,
	"does": true, "doing": true, "some": true, "very": true, "also": true,
	"into": true, "over": true, "only": true, "because": true, "really": true,
	"think": true, "know": true, "want": true, "need": true, "going": true,
	"please": true, "thanks": true, "thank": true, "okay": true, "yeah": true,
	"here": true, "more": true, "much": true, "make": true, "made": true,
	"being": true, "after": true, "before": true, "while": true, "still": true,
}
