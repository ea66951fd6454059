package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for alignment runs and the result
// cache.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alignment_runs (
            id TEXT PRIMARY KEY,
            run_type TEXT NOT NULL,
            status TEXT NOT NULL,
            project_path TEXT,
            level TEXT,
            options_json TEXT,
            section_count INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            section_index INTEGER,
            complete BOOLEAN,
            cached BOOLEAN DEFAULT FALSE,
            snr_mean REAL,
            result_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS swim_cache (
            cache_key TEXT NOT NULL,
            position INTEGER NOT NULL,
            settings_json TEXT NOT NULL,
            result_json TEXT NOT NULL,
            PRIMARY KEY (cache_key, position)
        );`,
		`CREATE TABLE IF NOT EXISTS image_sizes (
            file_path TEXT PRIMARY KEY,
            format TEXT,
            width INTEGER,
            height INTEGER,
            mod_time TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_section ON run_results(section_index);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted batch run.
type RunRecord struct {
	ID           string
	RunType      string
	Status       string
	ProjectPath  string
	Level        string
	OptionsJSON  string
	SectionCount int
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// SectionResultRecord is one section outcome within a run.
type SectionResultRecord struct {
	RunID        string
	SectionIndex int
	Complete     bool
	Cached       bool
	SNRMean      float64
	ResultJSON   string
	CreatedAt    time.Time
}

// CacheRow is one (settings, result) pair of a cache bucket.
type CacheRow struct {
	Key      string
	Position int
	Settings []byte
	Result   []byte
}

// ImageSize is a cached dimension probe.
type ImageSize struct {
	FilePath string
	Format   string
	Width    int
	Height   int
	ModTime  time.Time
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO alignment_runs (id, run_type, status, project_path, level, options_json, section_count) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.RunType, rec.Status, rec.ProjectPath, rec.Level, rec.OptionsJSON, rec.SectionCount)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE alignment_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status.
func (s *Store) RecordRunResult(id string, status string, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE alignment_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	return err
}

// RecordSectionResult appends one section outcome to a run.
func (s *Store) RecordSectionResult(rec SectionResultRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO run_results (run_id, section_index, complete, cached, snr_mean, result_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.SectionIndex, rec.Complete, rec.Cached, rec.SNRMean, rec.ResultJSON)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, run_type, status, project_path, level, options_json, section_count, created_at, started_at, completed_at, error_message FROM alignment_runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunType, &rec.Status, &rec.ProjectPath, &rec.Level, &rec.OptionsJSON, &rec.SectionCount, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunResults returns the section outcomes of a run in section order.
func (s *Store) RunResults(runID string) ([]SectionResultRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, section_index, complete, cached, snr_mean, result_json, created_at FROM run_results WHERE run_id=? ORDER BY section_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SectionResultRecord
	for rows.Next() {
		var rec SectionResultRecord
		if err := rows.Scan(&rec.RunID, &rec.SectionIndex, &rec.Complete, &rec.Cached, &rec.SNRMean, &rec.ResultJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SectionResult decodes the last stored result of a run's section.
func (s *Store) SectionResult(runID string, index int, v any) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	var resultJSON string
	err := s.DB.QueryRow(`SELECT result_json FROM run_results WHERE run_id=? AND section_index=? ORDER BY created_at DESC LIMIT 1;`, runID, index).Scan(&resultJSON)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(resultJSON), v); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// ReplaceCache rewrites the whole result cache in one transaction.
func (s *Store) ReplaceCache(rows []CacheRow) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM swim_cache;`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO swim_cache (cache_key, position, settings_json, result_json) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.Key, r.Position, string(r.Settings), string(r.Result)); err != nil {
			return fmt.Errorf("insert cache row %s/%d: %w", r.Key, r.Position, err)
		}
	}
	return tx.Commit()
}

// LoadCache returns every cache row ordered by key and bucket position.
func (s *Store) LoadCache() ([]CacheRow, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT cache_key, position, settings_json, result_json FROM swim_cache ORDER BY cache_key, position;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheRow
	for rows.Next() {
		var r CacheRow
		var settings, result string
		if err := rows.Scan(&r.Key, &r.Position, &settings, &result); err != nil {
			return nil, err
		}
		r.Settings, r.Result = []byte(settings), []byte(result)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordImageSize stores a dimension probe.
func (s *Store) RecordImageSize(sz ImageSize) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO image_sizes (file_path, format, width, height, mod_time) VALUES (?, ?, ?, ?, ?);`,
		sz.FilePath, sz.Format, sz.Width, sz.Height, sz.ModTime)
	return err
}

// LookupImageSize returns a probe recorded for the same file and mtime.
func (s *Store) LookupImageSize(path string, modTime time.Time) (ImageSize, bool) {
	if s == nil {
		return ImageSize{}, false
	}
	var sz ImageSize
	var stored time.Time
	err := s.DB.QueryRow(`SELECT file_path, format, width, height, mod_time FROM image_sizes WHERE file_path=?;`, path).
		Scan(&sz.FilePath, &sz.Format, &sz.Width, &sz.Height, &stored)
	if err != nil || !stored.Equal(modTime) {
		return ImageSize{}, false
	}
	sz.ModTime = stored
	return sz, true
}
