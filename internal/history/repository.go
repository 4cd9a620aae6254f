// Package history keeps a local record of transcription jobs registered with
// the cloud and how they ended.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const (
	StatePending     = "pending"
	StateSuccess     = "success"
	StateError       = "error"
	StateCancelled   = "cancelled"
	StateInterrupted = "interrupted"
)

type JobRecord struct {
	ID           string          `json:"id"`
	BatchID      string          `json:"batch_id,omitempty"`
	UploadID     string          `json:"upload_id,omitempty"`
	Filename     string          `json:"filename"`
	LanguageCode string          `json:"language_code"`
	State        string          `json:"state"`
	Cost         float64         `json:"cost"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Repository interface {
	RecordJob(ctx context.Context, rec JobRecord) error
	UpdateJobResult(ctx context.Context, id, state string, result json.RawMessage, errMsg string) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]*JobRecord, error)
	ListBatchJobs(ctx context.Context, batchID string) ([]*JobRecord, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordJob inserts rec, or replaces the row when the job id is already known.
func (r *SQLiteRepository) RecordJob(ctx context.Context, rec JobRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.State == "" {
		rec.State = StatePending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_history (id, batch_id, upload_id, filename, language_code, state, cost, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			cost = excluded.cost,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.ID, nullString(rec.BatchID), nullString(rec.UploadID), rec.Filename, rec.LanguageCode,
		rec.State, rec.Cost, nullString(string(rec.Result)), nullString(rec.Error),
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) UpdateJobResult(ctx context.Context, id, state string, result json.RawMessage, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE job_history SET state = ?, result = ?, error = ?, updated_at = ? WHERE id = ?
	`, state, nullString(string(result)), nullString(errMsg), time.Now().UTC().Format(time.RFC3339), id)
	return err
}

const selectColumns = `id, batch_id, upload_id, filename, language_code, state, cost, result, error, created_at, updated_at`

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM job_history WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM job_history ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (r *SQLiteRepository) ListBatchJobs(ctx context.Context, batchID string) ([]*JobRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM job_history WHERE batch_id = ? ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// PruneBefore deletes settled jobs last updated before cutoff. Jobs still
// pending are kept regardless of age.
func (r *SQLiteRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM job_history WHERE state != ? AND updated_at < ?
	`, StatePending, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*JobRecord, error) {
	var rec JobRecord
	var batchID, uploadID, result, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &batchID, &uploadID, &rec.Filename, &rec.LanguageCode, &rec.State,
		&rec.Cost, &result, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.BatchID = batchID.String
	rec.UploadID = uploadID.String
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.Error = errMsg.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*JobRecord, error) {
	var recs []*JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
