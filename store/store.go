// Package store persists harvest runs, tenders, and their document
// inventories in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dcepipe/dbopen"
	"github.com/hazyhaar/dcepipe/tender"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Schema defines the three tables of the pipeline.
//
// runs records one harvest each: its date window and final counters.
// tenders records one dossier each: the selected notice's text, how it was
// obtained, and optional model-extracted metadata JSON.
// documents records every archive entry's classification, including the ones
// that failed to parse. Notice text lives on the tender row only; document
// rows never carry content.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    date_start  TEXT NOT NULL,
    date_end    TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','completed','failed')),
    total       INTEGER NOT NULL DEFAULT 0,
    retrieved   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    error       TEXT,
    started_at  INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    finished_at INTEGER
);

CREATE TABLE IF NOT EXISTS tenders (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES runs(id),
    locator      TEXT NOT NULL,
    archive_name TEXT,
    notice_name  TEXT,
    notice_text  TEXT,
    page_count   INTEGER NOT NULL DEFAULT 0,
    method       TEXT,
    metadata     TEXT,
    outcome      TEXT NOT NULL,
    detail       TEXT,
    created_at   INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE INDEX IF NOT EXISTS idx_tenders_run ON tenders(run_id);

CREATE TABLE IF NOT EXISTS documents (
    id        TEXT PRIMARY KEY,
    tender_id TEXT NOT NULL REFERENCES tenders(id),
    name      TEXT NOT NULL,
    role      TEXT NOT NULL,
    scanned   INTEGER NOT NULL DEFAULT 0,
    mime_type TEXT,
    byte_size INTEGER NOT NULL DEFAULT 0,
    outcome   TEXT NOT NULL,
    detail    TEXT
);

CREATE INDEX IF NOT EXISTS idx_documents_tender ON documents(tender_id);
`

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenDB wraps an already-open database; used by tests with dbopen.OpenMemory.
func OpenDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a new running harvest row and returns its id.
func (s *Store) CreateRun(ctx context.Context, dateStart, dateEnd time.Time) (string, error) {
	id := uuid.NewString()
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO runs (id, date_start, date_end) VALUES (?, ?, ?)`,
		id, dateStart.Format(time.DateOnly), dateEnd.Format(time.DateOnly))
	if err != nil {
		return "", fmt.Errorf("store: create run: %w", err)
	}
	return id, nil
}

// FinishRun finalises a run's counters. A non-empty errText marks it failed.
func (s *Store) FinishRun(ctx context.Context, id string, total, retrieved, failed int, errText string) error {
	status := "completed"
	var errCol any
	if errText != "" {
		status = "failed"
		errCol = errText
	}
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE runs SET status = ?, total = ?, retrieved = ?, failed = ?, error = ?,
		 finished_at = strftime('%s','now') WHERE id = ?`,
		status, total, retrieved, failed, errCol, id)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// Tender is one dossier's processing result as persisted.
type Tender struct {
	ID          string                  `json:"id"`
	RunID       string                  `json:"run_id"`
	Locator     string                  `json:"locator"`
	ArchiveName string                  `json:"archive_name,omitempty"`
	NoticeName  string                  `json:"notice_name,omitempty"`
	NoticeText  string                  `json:"notice_text,omitempty"`
	PageCount   int                     `json:"page_count"`
	Method      tender.Method           `json:"method,omitempty"`
	Metadata    json.RawMessage         `json:"metadata,omitempty"`
	Outcome     tender.Outcome          `json:"outcome"`
	Detail      string                  `json:"detail,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	Documents   []tender.Classification `json:"documents,omitempty"`
}

// SaveTender inserts a tender and its document inventory atomically and
// returns the tender id.
func (s *Store) SaveTender(ctx context.Context, t *Tender) (string, error) {
	id := uuid.NewString()
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var meta any
		if len(t.Metadata) > 0 {
			meta = string(t.Metadata)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tenders (id, run_id, locator, archive_name, notice_name,
			 notice_text, page_count, method, metadata, outcome, detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, t.RunID, t.Locator, t.ArchiveName, t.NoticeName,
			t.NoticeText, t.PageCount, string(t.Method), meta,
			string(t.Outcome), t.Detail)
		if err != nil {
			return fmt.Errorf("insert tender: %w", err)
		}
		for _, d := range t.Documents {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO documents (id, tender_id, name, role, scanned,
				 mime_type, byte_size, outcome, detail)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), id, d.Name, string(d.Role), boolInt(d.Scanned),
				d.MIMEType, d.ByteSize, string(d.Outcome), d.Detail)
			if err != nil {
				return fmt.Errorf("insert document %s: %w", d.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store: save tender: %w", err)
	}
	return id, nil
}

// TenderSummary is the list view of a tender, without the notice text.
type TenderSummary struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Locator    string         `json:"locator"`
	NoticeName string         `json:"notice_name,omitempty"`
	Outcome    tender.Outcome `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ListTenders returns the most recent tenders, newest first.
func (s *Store) ListTenders(ctx context.Context, limit int) ([]TenderSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, locator, COALESCE(notice_name, ''), outcome,
		 COALESCE(detail, ''), created_at
		 FROM tenders ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list tenders: %w", err)
	}
	defer rows.Close()

	var out []TenderSummary
	for rows.Next() {
		var ts TenderSummary
		var created int64
		var outcome string
		if err := rows.Scan(&ts.ID, &ts.RunID, &ts.Locator, &ts.NoticeName,
			&outcome, &ts.Detail, &created); err != nil {
			return nil, fmt.Errorf("store: scan tender: %w", err)
		}
		ts.Outcome = tender.Outcome(outcome)
		ts.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, ts)
	}
	return out, rows.Err()
}

// GetTender loads one tender with its full notice text and documents.
func (s *Store) GetTender(ctx context.Context, id string) (*Tender, error) {
	var t Tender
	var created int64
	var method, meta, archiveName, noticeName, noticeText, detail, outcome sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, locator, archive_name, notice_name, notice_text,
		 page_count, method, metadata, outcome, detail, created_at
		 FROM tenders WHERE id = ?`, id).
		Scan(&t.ID, &t.RunID, &t.Locator, &archiveName, &noticeName, &noticeText,
			&t.PageCount, &method, &meta, &outcome, &detail, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tender: %w", err)
	}
	t.ArchiveName = archiveName.String
	t.NoticeName = noticeName.String
	t.NoticeText = noticeText.String
	t.Method = tender.Method(method.String)
	t.Outcome = tender.Outcome(outcome.String)
	t.Detail = detail.String
	t.CreatedAt = time.Unix(created, 0).UTC()
	if meta.Valid && meta.String != "" {
		t.Metadata = json.RawMessage(meta.String)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, role, scanned, COALESCE(mime_type, ''), byte_size,
		 outcome, COALESCE(detail, '') FROM documents WHERE tender_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d tender.Classification
		var role, docOutcome string
		var scanned int
		if err := rows.Scan(&d.Name, &role, &scanned, &d.MIMEType,
			&d.ByteSize, &docOutcome, &d.Detail); err != nil {
			return nil, fmt.Errorf("store: scan document: %w", err)
		}
		d.Role = tender.Role(role)
		d.Outcome = tender.Outcome(docOutcome)
		d.Scanned = scanned != 0
		t.Documents = append(t.Documents, d)
	}
	return &t, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
