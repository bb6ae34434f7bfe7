package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/bandexam/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when updating a result that does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS module_results (
		key TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		module TEXT NOT NULL,
		set_number INTEGER NOT NULL DEFAULT 0,
		raw INTEGER NOT NULL DEFAULT 0,
		max_raw INTEGER NOT NULL DEFAULT 0,
		band REAL NOT NULL DEFAULT 0,
		task_bands TEXT NOT NULL DEFAULT '[]',
		provisional INTEGER NOT NULL DEFAULT 0,
		pending_review INTEGER NOT NULL DEFAULT 0,
		examiner_band REAL,
		reviewed_at DATETIME,
		answers TEXT NOT NULL DEFAULT '{}',
		time_spent INTEGER NOT NULL DEFAULT 0,
		submit_trigger TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_module_results_exam ON module_results(exam_id);

	CREATE TABLE IF NOT EXISTS recordings (
		result_key TEXT NOT NULL,
		question_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		locator TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (result_key, question_id),
		FOREIGN KEY (result_key) REFERENCES module_results(key)
	);

	CREATE TABLE IF NOT EXISTS drafts (
		key TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		module TEXT NOT NULL,
		set_number INTEGER NOT NULL DEFAULT 0,
		answers TEXT NOT NULL DEFAULT '{}',
		flags TEXT NOT NULL DEFAULT '[]',
		section INTEGER NOT NULL DEFAULT 0,
		question INTEGER NOT NULL DEFAULT 0,
		remaining INTEGER NOT NULL DEFAULT 0,
		deadline DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		exam_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (exam_id, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Databases created before drafts carried a deadline.
	return s.addColumn("drafts", "deadline", "DATETIME")
}

func (s *Store) addColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// SaveResult stores a submitted module. A result is written once; saving a
// key that already exists leaves the stored row untouched and returns false.
func (s *Store) SaveResult(r model.ScoreResult) (bool, error) {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	taskBands, err := json.Marshal(r.TaskBands)
	if err != nil {
		return false, fmt.Errorf("encode task bands: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO module_results (key, exam_id, module, set_number, raw, max_raw, band, task_bands,
		   provisional, pending_review, answers, time_spent, submit_trigger, content_hash, synced, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		r.Key(), r.ExamID, r.Module, r.Set, r.Raw, r.MaxRaw, r.Band, string(taskBands),
		r.Provisional, r.PendingReview, string(answers), r.TimeSpent, r.Trigger, r.ContentHash,
		r.Synced, r.SubmittedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := upsertRecordings(tx, r.Key(), r.Recordings); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// UpdateRecordings replaces the recording rows of a stored result, e.g. after
// uploads assign locators.
func (s *Store) UpdateRecordings(key string, recs []model.Recording) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM module_results WHERE key = ?`, key).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("result %s: %w", key, ErrNotFound)
	}
	if err := upsertRecordings(tx, key, recs); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertRecordings(tx *sql.Tx, key string, recs []model.Recording) error {
	for _, rec := range recs {
		_, err := tx.Exec(
			`INSERT INTO recordings (result_key, question_id, status, duration_ms, size, locator)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(result_key, question_id) DO UPDATE SET status = ?, duration_ms = ?, size = ?, locator = ?`,
			key, rec.QuestionID, rec.Status, rec.DurationMS, rec.Size, rec.Locator,
			rec.Status, rec.DurationMS, rec.Size, rec.Locator,
		)
		if err != nil {
			return fmt.Errorf("save recording %d: %w", rec.QuestionID, err)
		}
	}
	return nil
}

// MarkSynced records that the result reached the remote result store.
func (s *Store) MarkSynced(key string) error {
	_, err := s.db.Exec(`UPDATE module_results SET synced = 1 WHERE key = ?`, key)
	return err
}

// SetExaminerBand records the authoritative band assigned by human review.
// Client-side result writes never touch this column.
func (s *Store) SetExaminerBand(key string, band float64) error {
	res, err := s.db.Exec(
		`UPDATE module_results SET examiner_band = ?, pending_review = 0, reviewed_at = ? WHERE key = ?`,
		band, time.Now().UTC(), key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("result %s: %w", key, ErrNotFound)
	}
	return nil
}

const resultColumns = `key, exam_id, module, set_number, raw, max_raw, band, task_bands, provisional,
	pending_review, examiner_band, answers, time_spent, submit_trigger, content_hash, synced, submitted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (model.ScoreResult, error) {
	var r model.ScoreResult
	var key, answers, taskBands string
	var examiner sql.NullFloat64
	err := row.Scan(&key, &r.ExamID, &r.Module, &r.Set, &r.Raw, &r.MaxRaw, &r.Band, &taskBands,
		&r.Provisional, &r.PendingReview, &examiner, &answers, &r.TimeSpent, &r.Trigger,
		&r.ContentHash, &r.Synced, &r.SubmittedAt)
	if err != nil {
		return r, err
	}
	if examiner.Valid {
		b := examiner.Float64
		r.ExaminerBand = &b
	}
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return r, fmt.Errorf("decode answers for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(taskBands), &r.TaskBands); err != nil {
		return r, fmt.Errorf("decode task bands for %s: %w", key, err)
	}
	return r, nil
}

// GetResult returns the result stored under key, or nil if there is none.
func (s *Store) GetResult(key string) (*model.ScoreResult, error) {
	r, err := scanResult(s.db.QueryRow(`SELECT `+resultColumns+` FROM module_results WHERE key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Recordings, err = s.getRecordings(key); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResults returns every stored result ordered by exam and module order.
func (s *Store) ListResults() ([]model.ScoreResult, error) {
	return s.queryResults(`SELECT ` + resultColumns + ` FROM module_results ORDER BY exam_id, submitted_at`)
}

// ListResultsForExam returns the stored results of one exam session.
func (s *Store) ListResultsForExam(examID string) ([]model.ScoreResult, error) {
	return s.queryResults(`SELECT `+resultColumns+` FROM module_results WHERE exam_id = ? ORDER BY submitted_at`, examID)
}

func (s *Store) queryResults(query string, args ...any) ([]model.ScoreResult, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var results []model.ScoreResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range results {
		if results[i].Recordings, err = s.getRecordings(results[i].Key()); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *Store) getRecordings(key string) ([]model.Recording, error) {
	rows, err := s.db.Query(
		`SELECT question_id, status, duration_ms, size, locator FROM recordings WHERE result_key = ? ORDER BY question_id`, key,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []model.Recording
	for rows.Next() {
		var rec model.Recording
		if err := rows.Scan(&rec.QuestionID, &rec.Status, &rec.DurationMS, &rec.Size, &rec.Locator); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveDraft upserts the autosaved state of a module in progress.
func (s *Store) SaveDraft(d model.Draft) error {
	answers, err := json.Marshal(d.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	flags, err := json.Marshal(d.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	var deadline sql.NullTime
	if !d.Deadline.IsZero() {
		deadline = sql.NullTime{Time: d.Deadline.UTC(), Valid: true}
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO drafts (key, exam_id, module, set_number, answers, flags, section, question, remaining, deadline, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET answers = ?, flags = ?, section = ?, question = ?, remaining = ?, deadline = ?, updated_at = ?`,
		d.Key(), d.ExamID, d.Module, d.Set, string(answers), string(flags), d.Section, d.Question, d.Remaining, deadline, now,
		string(answers), string(flags), d.Section, d.Question, d.Remaining, deadline, now,
	)
	return err
}

// GetDraft returns the draft stored under key, or nil if there is none.
func (s *Store) GetDraft(key string) (*model.Draft, error) {
	var d model.Draft
	var answers, flags string
	var deadline sql.NullTime
	err := s.db.QueryRow(
		`SELECT exam_id, module, set_number, answers, flags, section, question, remaining, deadline, updated_at
		 FROM drafts WHERE key = ?`, key,
	).Scan(&d.ExamID, &d.Module, &d.Set, &answers, &flags, &d.Section, &d.Question, &d.Remaining, &deadline, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(answers), &d.Answers); err != nil {
		return nil, fmt.Errorf("decode draft answers: %w", err)
	}
	if err := json.Unmarshal([]byte(flags), &d.Flags); err != nil {
		return nil, fmt.Errorf("decode draft flags: %w", err)
	}
	if deadline.Valid {
		d.Deadline = deadline.Time
	}
	return &d, nil
}

// DeleteDraft removes the draft stored under key.
func (s *Store) DeleteDraft(key string) error {
	_, err := s.db.Exec(`DELETE FROM drafts WHERE key = ?`, key)
	return err
}
