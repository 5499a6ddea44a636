// Package store persists execution artifacts in SQLite. Every record is
// keyed by (work_id, run_session_id, node_id, operation); re-executing the
// same operation upserts its artifacts rather than duplicating them, so a
// retried node leaves exactly one result row behind.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"patchgate/internal/diffsum"
	"patchgate/internal/logging"
	"patchgate/internal/plan"
)

// Key identifies one executed operation.
type Key struct {
	WorkID       string `json:"work_id"`
	RunSessionID string `json:"run_session_id"`
	NodeID       string `json:"node_id"`
	Operation    string `json:"operation"`
}

func (k Key) validate() error {
	if k.WorkID == "" || k.RunSessionID == "" || k.NodeID == "" || k.Operation == "" {
		return fmt.Errorf("artifact key incomplete: %+v", k)
	}
	return nil
}

// ResultRecord is the durable outcome of one patch execution.
type ResultRecord struct {
	Key
	Success        bool                 `json:"success"`
	Changed        bool                 `json:"changed"`
	RejectionCodes []plan.RejectionCode `json:"rejection_codes,omitempty"`
	TargetFile     string               `json:"target_file,omitempty"`
	Replacements   int                  `json:"replacements"`
	BytesBefore    int                  `json:"bytes_before"`
	BytesAfter     int                  `json:"bytes_after"`
	LineDelta      int                  `json:"line_delta"`
	CodemodID      string               `json:"codemod_id,omitempty"`
	Detail         string               `json:"detail,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// LogEntry is one append-only operation-log line. Unlike result records the
// log is never overwritten; a re-execution appends a second entry.
type LogEntry struct {
	Key
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// ValidationRecord captures the verdict a validate node rendered over an
// executed operation.
type ValidationRecord struct {
	Key
	ValidatorNodeID string    `json:"validator_node_id"`
	OK              bool      `json:"ok"`
	Diagnostics     []string  `json:"diagnostics,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ArtifactStore is a single-writer SQLite store for execution artifacts.
type ArtifactStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewArtifactStore opens (creating if needed) the artifact database at path.
func NewArtifactStore(path string) (*ArtifactStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewArtifactStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// Safe with WAL; WAL already provides crash recovery.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &ArtifactStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize artifact schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.Store("Artifact store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *ArtifactStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_results (
		work_id TEXT NOT NULL,
		run_session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		success INTEGER NOT NULL,
		changed INTEGER NOT NULL,
		rejection_codes TEXT,
		target_file TEXT,
		replacements INTEGER NOT NULL DEFAULT 0,
		bytes_before INTEGER NOT NULL DEFAULT 0,
		bytes_after INTEGER NOT NULL DEFAULT 0,
		line_delta INTEGER NOT NULL DEFAULT 0,
		codemod_id TEXT,
		detail TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (work_id, run_session_id, node_id, operation)
	);

	CREATE TABLE IF NOT EXISTS operation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		work_id TEXT NOT NULL,
		run_session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		event TEXT NOT NULL,
		detail TEXT,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_oplog_key
		ON operation_log(work_id, run_session_id, node_id, operation);

	CREATE TABLE IF NOT EXISTS trace_refs (
		work_id TEXT NOT NULL,
		run_session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		lane TEXT NOT NULL,
		ref TEXT NOT NULL,
		PRIMARY KEY (work_id, run_session_id, node_id, operation, lane, ref)
	);

	CREATE TABLE IF NOT EXISTS validation_records (
		work_id TEXT NOT NULL,
		run_session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		validator_node_id TEXT NOT NULL,
		ok INTEGER NOT NULL,
		diagnostics TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (work_id, run_session_id, node_id, operation, validator_node_id)
	);

	CREATE TABLE IF NOT EXISTS diff_summaries (
		work_id TEXT NOT NULL,
		run_session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		path TEXT NOT NULL,
		lines_added INTEGER NOT NULL,
		lines_removed INTEGER NOT NULL,
		hunks TEXT,
		PRIMARY KEY (work_id, run_session_id, node_id, operation)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create artifact tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *ArtifactStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SaveResult upserts the result record for the given key.
func (s *ArtifactStore) SaveResult(rec ResultRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	codes, err := json.Marshal(rec.RejectionCodes)
	if err != nil {
		return fmt.Errorf("failed to encode rejection codes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO execution_results
			(work_id, run_session_id, node_id, operation, success, changed,
			 rejection_codes, target_file, replacements, bytes_before,
			 bytes_after, line_delta, codemod_id, detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_id, run_session_id, node_id, operation) DO UPDATE SET
			success = excluded.success,
			changed = excluded.changed,
			rejection_codes = excluded.rejection_codes,
			target_file = excluded.target_file,
			replacements = excluded.replacements,
			bytes_before = excluded.bytes_before,
			bytes_after = excluded.bytes_after,
			line_delta = excluded.line_delta,
			codemod_id = excluded.codemod_id,
			detail = excluded.detail,
			updated_at = excluded.updated_at`,
		rec.WorkID, rec.RunSessionID, rec.NodeID, rec.Operation,
		boolInt(rec.Success), boolInt(rec.Changed), string(codes),
		rec.TargetFile, rec.Replacements, rec.BytesBefore, rec.BytesAfter,
		rec.LineDelta, rec.CodemodID, rec.Detail, time.Now().UTC())
	if err != nil {
		logging.StoreError("Failed to save result for node %s: %v", rec.NodeID, err)
		return fmt.Errorf("failed to save result record: %w", err)
	}
	logging.StoreDebug("Saved result record for %s/%s", rec.NodeID, rec.Operation)
	return nil
}

// GetResult loads the result record for a key, or (nil, nil) when absent.
func (s *ArtifactStore) GetResult(key Key) (*ResultRecord, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT success, changed, rejection_codes, target_file, replacements,
		       bytes_before, bytes_after, line_delta, codemod_id, detail, updated_at
		FROM execution_results
		WHERE work_id = ? AND run_session_id = ? AND node_id = ? AND operation = ?`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation)

	rec := ResultRecord{Key: key}
	var success, changed int
	var codes sql.NullString
	var targetFile, codemodID, detail sql.NullString
	err := row.Scan(&success, &changed, &codes, &targetFile, &rec.Replacements,
		&rec.BytesBefore, &rec.BytesAfter, &rec.LineDelta, &codemodID, &detail, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result record: %w", err)
	}
	rec.Success = success != 0
	rec.Changed = changed != 0
	rec.TargetFile = targetFile.String
	rec.CodemodID = codemodID.String
	rec.Detail = detail.String
	if codes.Valid && codes.String != "" && codes.String != "null" {
		if err := json.Unmarshal([]byte(codes.String), &rec.RejectionCodes); err != nil {
			return nil, fmt.Errorf("failed to decode rejection codes: %w", err)
		}
	}
	return &rec, nil
}

// AppendLog appends one operation-log entry.
func (s *ArtifactStore) AppendLog(key Key, event, detail string) error {
	if err := key.validate(); err != nil {
		return err
	}
	if event == "" {
		return fmt.Errorf("operation log entry missing event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO operation_log
			(work_id, run_session_id, node_id, operation, event, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation,
		event, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append operation log: %w", err)
	}
	return nil
}

// Log returns the operation-log entries for a key in insertion order.
func (s *ArtifactStore) Log(key Key) ([]LogEntry, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT event, detail, at FROM operation_log
		WHERE work_id = ? AND run_session_id = ? AND node_id = ? AND operation = ?
		ORDER BY id`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		e := LogEntry{Key: key}
		var detail sql.NullString
		if err := rows.Scan(&e.Event, &detail, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan operation log: %w", err)
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveTraceRefs records the evidence references an operation relied on.
// Saving the same lane/ref pair twice is a no-op.
func (s *ArtifactStore) SaveTraceRefs(key Key, lane string, refs []string) error {
	if err := key.validate(); err != nil {
		return err
	}
	if lane == "" {
		return fmt.Errorf("trace refs missing lane")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin trace-ref transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ref := range refs {
		if ref == "" {
			continue
		}
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO trace_refs
				(work_id, run_session_id, node_id, operation, lane, ref)
			VALUES (?, ?, ?, ?, ?, ?)`,
			key.WorkID, key.RunSessionID, key.NodeID, key.Operation, lane, ref)
		if err != nil {
			return fmt.Errorf("failed to save trace ref: %w", err)
		}
	}
	return tx.Commit()
}

// TraceRefs loads the saved refs for a key grouped by lane.
func (s *ArtifactStore) TraceRefs(key Key) (map[string][]string, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT lane, ref FROM trace_refs
		WHERE work_id = ? AND run_session_id = ? AND node_id = ? AND operation = ?
		ORDER BY lane, ref`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace refs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var lane, ref string
		if err := rows.Scan(&lane, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan trace ref: %w", err)
		}
		out[lane] = append(out[lane], ref)
	}
	return out, rows.Err()
}

// SaveValidation upserts a validator's verdict over an executed operation.
func (s *ArtifactStore) SaveValidation(rec ValidationRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.ValidatorNodeID == "" {
		return fmt.Errorf("validation record missing validator node id")
	}
	diags, err := json.Marshal(rec.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO validation_records
			(work_id, run_session_id, node_id, operation, validator_node_id, ok, diagnostics, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_id, run_session_id, node_id, operation, validator_node_id) DO UPDATE SET
			ok = excluded.ok,
			diagnostics = excluded.diagnostics,
			updated_at = excluded.updated_at`,
		rec.WorkID, rec.RunSessionID, rec.NodeID, rec.Operation,
		rec.ValidatorNodeID, boolInt(rec.OK), string(diags), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save validation record: %w", err)
	}
	return nil
}

// Validations loads every validator verdict recorded for a key.
func (s *ArtifactStore) Validations(key Key) ([]ValidationRecord, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT validator_node_id, ok, diagnostics, updated_at FROM validation_records
		WHERE work_id = ? AND run_session_id = ? AND node_id = ? AND operation = ?
		ORDER BY validator_node_id`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation records: %w", err)
	}
	defer rows.Close()

	var out []ValidationRecord
	for rows.Next() {
		rec := ValidationRecord{Key: key}
		var ok int
		var diags sql.NullString
		if err := rows.Scan(&rec.ValidatorNodeID, &ok, &diags, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation record: %w", err)
		}
		rec.OK = ok != 0
		if diags.Valid && diags.String != "" && diags.String != "null" {
			if err := json.Unmarshal([]byte(diags.String), &rec.Diagnostics); err != nil {
				return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDiffSummary upserts the diff summary produced by a changed file.
func (s *ArtifactStore) SaveDiffSummary(key Key, sum *diffsum.Summary) error {
	if err := key.validate(); err != nil {
		return err
	}
	if sum == nil {
		return fmt.Errorf("diff summary is nil")
	}
	hunks, err := json.Marshal(sum.Hunks)
	if err != nil {
		return fmt.Errorf("failed to encode hunks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO diff_summaries
			(work_id, run_session_id, node_id, operation, path, lines_added, lines_removed, hunks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_id, run_session_id, node_id, operation) DO UPDATE SET
			path = excluded.path,
			lines_added = excluded.lines_added,
			lines_removed = excluded.lines_removed,
			hunks = excluded.hunks`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation,
		sum.Path, sum.LinesAdded, sum.LinesRemoved, string(hunks))
	if err != nil {
		return fmt.Errorf("failed to save diff summary: %w", err)
	}
	return nil
}

// DiffSummary loads the diff summary for a key, or (nil, nil) when absent.
func (s *ArtifactStore) DiffSummary(key Key) (*diffsum.Summary, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`
		SELECT path, lines_added, lines_removed, hunks FROM diff_summaries
		WHERE work_id = ? AND run_session_id = ? AND node_id = ? AND operation = ?`,
		key.WorkID, key.RunSessionID, key.NodeID, key.Operation)

	var sum diffsum.Summary
	var hunks sql.NullString
	err := row.Scan(&sum.Path, &sum.LinesAdded, &sum.LinesRemoved, &hunks)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load diff summary: %w", err)
	}
	if hunks.Valid && hunks.String != "" && hunks.String != "null" {
		if err := json.Unmarshal([]byte(hunks.String), &sum.Hunks); err != nil {
			return nil, fmt.Errorf("failed to decode hunks: %w", err)
		}
	}
	return &sum, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
