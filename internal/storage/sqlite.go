package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding workflow runs, conversation records,
// continuity documents, chapter states, story versions and the import job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "storyloom.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Workflow runs ---

// SaveRun inserts or replaces the run for its session.
func (s *Store) SaveRun(r Run) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (session_id, run_id, concept, multi_chapter, phase, status_message, current_chapter, total_chapters, last_error, result, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			run_id = excluded.run_id,
			concept = excluded.concept,
			multi_chapter = excluded.multi_chapter,
			phase = excluded.phase,
			status_message = excluded.status_message,
			current_chapter = excluded.current_chapter,
			total_chapters = excluded.total_chapters,
			last_error = excluded.last_error,
			result = excluded.result,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		r.SessionID, r.RunID, r.Concept, boolToInt(r.MultiChapter), r.Phase, r.StatusMessage,
		r.CurrentChapter, r.TotalChapters, r.LastError, r.Result,
		formatTime(r.StartedAt), formatTime(r.UpdatedAt), formatTime(r.FinishedAt),
	)
	return err
}

func (s *Store) GetRun(sessionID string) (Run, error) {
	row := s.db.QueryRow(`
		SELECT session_id, run_id, concept, multi_chapter, phase, status_message, current_chapter, total_chapters, last_error, result, started_at, updated_at, finished_at
		FROM workflow_runs WHERE session_id = ?`, sessionID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT session_id, run_id, concept, multi_chapter, phase, status_message, current_chapter, total_chapters, last_error, result, started_at, updated_at, finished_at
		FROM workflow_runs ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var multi int
	var startedAt, updatedAt, finishedAt string
	if err := row.Scan(&r.SessionID, &r.RunID, &r.Concept, &multi, &r.Phase, &r.StatusMessage,
		&r.CurrentChapter, &r.TotalChapters, &r.LastError, &r.Result, &startedAt, &updatedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	r.MultiChapter = multi != 0
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Run{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finishedAt); err != nil {
		return Run{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

// --- Conversation records ---

func (s *Store) AppendConversationRecord(rec ConversationRecord) error {
	var chapter sql.NullInt64
	if rec.Chapter != nil {
		chapter = sql.NullInt64{Int64: int64(*rec.Chapter), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO conversation_records (id, session_id, phase, chapter, agent, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Phase, chapter, rec.Agent, rec.Message, formatTime(rec.CreatedAt),
	)
	return err
}

// ListConversationRecords returns the session's records in arrival order.
func (s *Store) ListConversationRecords(sessionID string) ([]ConversationRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, phase, chapter, agent, message, created_at
		FROM conversation_records WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationRecord
	for rows.Next() {
		var rec ConversationRecord
		var chapter sql.NullInt64
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Phase, &chapter, &rec.Agent, &rec.Message, &createdAt); err != nil {
			return nil, err
		}
		if chapter.Valid {
			n := int(chapter.Int64)
			rec.Chapter = &n
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		rec.CreatedAt = t
		results = append(results, rec)
	}
	return results, rows.Err()
}

// --- Continuity documents ---

// SaveContinuityDoc rewrites the whole document for the session. CreatedAt
// is kept from the first save.
func (s *Store) SaveContinuityDoc(doc ContinuityDoc) error {
	_, err := s.db.Exec(`
		INSERT INTO continuity_documents (session_id, doc_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET doc_json = excluded.doc_json, updated_at = excluded.updated_at`,
		doc.SessionID, doc.DocJSON, formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt),
	)
	return err
}

func (s *Store) GetContinuityDoc(sessionID string) (ContinuityDoc, error) {
	var d ContinuityDoc
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT session_id, doc_json, created_at, updated_at
		FROM continuity_documents WHERE session_id = ?`, sessionID,
	).Scan(&d.SessionID, &d.DocJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ContinuityDoc{}, ErrNotFound
	}
	if err != nil {
		return ContinuityDoc{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return ContinuityDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ContinuityDoc{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// --- Chapter states ---

func (s *Store) SaveChapter(c ChapterState) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO chapter_states (id, session_id, number, title, word_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			word_count = excluded.word_count,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		c.ID, c.SessionID, c.Number, c.Title, c.WordCount, c.Status,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return err
}

// SetChapterStatus moves every chapter of the session to status.
func (s *Store) SetChapterStatus(sessionID, status string) error {
	_, err := s.db.Exec(`UPDATE chapter_states SET status = ?, updated_at = ? WHERE session_id = ?`,
		status, formatTime(time.Now()), sessionID)
	return err
}

func (s *Store) ListChapters(sessionID string) ([]ChapterState, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, number, title, word_count, status, created_at, updated_at
		FROM chapter_states WHERE session_id = ? ORDER BY number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ChapterState
	for rows.Next() {
		var c ChapterState
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Number, &c.Title, &c.WordCount, &c.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Story versions and phase summaries ---

func (s *Store) AddStoryVersion(v StoryVersion) error {
	_, err := s.db.Exec(`
		INSERT INTO story_versions (session_id, phase, label, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.SessionID, v.Phase, v.Label, v.Content, formatTime(v.CreatedAt),
	)
	return err
}

func (s *Store) ListStoryVersions(sessionID string) ([]StoryVersion, error) {
	rows, err := s.db.Query(`
		SELECT session_id, phase, label, content, created_at
		FROM story_versions WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StoryVersion
	for rows.Next() {
		var v StoryVersion
		var createdAt string
		if err := rows.Scan(&v.SessionID, &v.Phase, &v.Label, &v.Content, &createdAt); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

func (s *Store) AddPhaseSummary(p PhaseSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO phase_summaries (session_id, phase, summary, created_at)
		VALUES (?, ?, ?, ?)`,
		p.SessionID, p.Phase, p.Summary, formatTime(p.CreatedAt),
	)
	return err
}

func (s *Store) ListPhaseSummaries(sessionID string) ([]PhaseSummary, error) {
	rows, err := s.db.Query(`
		SELECT session_id, phase, summary, created_at
		FROM phase_summaries WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PhaseSummary
	for rows.Next() {
		var p PhaseSummary
		var createdAt string
		if err := rows.Scan(&p.SessionID, &p.Phase, &p.Summary, &createdAt); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob returns a job by id regardless of status.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
