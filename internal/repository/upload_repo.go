package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wakala/batchpay/internal/domain"
)

type UploadRepo struct {
	db *sql.DB
}

func NewUploadRepo(db *sql.DB) *UploadRepo {
	return &UploadRepo{db: db}
}

func (r *UploadRepo) Insert(ctx context.Context, u *domain.Upload) error {
	if len(u.Rows) != len(u.Records) {
		return fmt.Errorf("insert upload %s: %d rows for %d records", u.ID, len(u.Rows), len(u.Records))
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	cols, err := marshalAll(u.Headers, u.Records, u.Rows, nonNil(u.FilteredRecords), nonNil(u.OrgTags))
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", u.ID, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO uploads
		(id, headers, records, row_states, filtered_records, approved_count, error_count,
		 org_tags, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, cols[0], cols[1], cols[2], cols[3], u.ApprovedCount, u.ErrorCount,
		cols[4], u.CreatedAt.Format(time.RFC3339), u.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (r *UploadRepo) GetByID(ctx context.Context, id string) (*domain.Upload, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+uploadColumns+" FROM uploads WHERE id = ?", id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	return u, nil
}

type UploadFilter struct {
	// OrgTag restricts the list to uploads carrying the tag. Empty means every
	// upload (administrative view).
	OrgTag string
	Limit  int
}

func (r *UploadRepo) List(ctx context.Context, f UploadFilter) ([]domain.Upload, error) {
	q := "SELECT " + uploadColumns + " FROM uploads"
	var args []any
	if f.OrgTag != "" {
		q += " WHERE EXISTS (SELECT 1 FROM json_each(uploads.org_tags) WHERE json_each.value = ?)"
		args = append(args, f.OrgTag)
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// SaveRows overwrites the row-state array. Writing an identical array is a
// no-op, so repeated checkpoints leave no trace.
func (r *UploadRepo) SaveRows(ctx context.Context, uploadID string, rows []domain.RowState) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal rows: %w", err)
	}
	return r.update(ctx, uploadID,
		"UPDATE uploads SET row_states = ?, updated_at = ? WHERE id = ? AND row_states IS NOT ?",
		string(data), nowString(), uploadID, string(data))
}

// SaveCounters stores the aggregate counters of an upload.
func (r *UploadRepo) SaveCounters(ctx context.Context, uploadID string, c domain.Counters) error {
	return r.update(ctx, uploadID,
		`UPDATE uploads SET approved_count = ?, error_count = ?, updated_at = ?
		WHERE id = ? AND (approved_count IS NOT ? OR error_count IS NOT ?)`,
		c.Approved, c.Error, nowString(), uploadID, c.Approved, c.Error)
}

// SaveFiltered replaces records and rows together with the filtered side list,
// keeping records and rows index-aligned.
func (r *UploadRepo) SaveFiltered(ctx context.Context, u *domain.Upload) error {
	if len(u.Rows) != len(u.Records) {
		return fmt.Errorf("save filtered %s: %d rows for %d records", u.ID, len(u.Rows), len(u.Records))
	}
	cols, err := marshalAll(u.Records, u.Rows, nonNil(u.FilteredRecords))
	if err != nil {
		return fmt.Errorf("save filtered %s: %w", u.ID, err)
	}
	return r.update(ctx, u.ID,
		`UPDATE uploads SET records = ?, row_states = ?, filtered_records = ?, approved_count = ?,
		error_count = ?, updated_at = ? WHERE id = ?`,
		cols[0], cols[1], cols[2], u.ApprovedCount, u.ErrorCount, nowString(), u.ID)
}

// update runs a single-row UPDATE. Zero affected rows is only an error when
// the upload does not exist.
func (r *UploadRepo) update(ctx context.Context, uploadID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update upload %s: %w", uploadID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM uploads WHERE id = ?", uploadID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check upload %s: %w", uploadID, err)
	}
	if exists == 0 {
		return fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	return nil
}

// --- helpers ---

const uploadColumns = `id, headers, records, row_states, filtered_records, approved_count,
	error_count, org_tags, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (*domain.Upload, error) {
	var u domain.Upload
	var headers, records, rows, filtered, orgTags, createdAt, updatedAt string

	err := s.Scan(&u.ID, &headers, &records, &rows, &filtered, &u.ApprovedCount,
		&u.ErrorCount, &orgTags, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		src string
		dst any
	}{
		{headers, &u.Headers},
		{records, &u.Records},
		{rows, &u.Rows},
		{filtered, &u.FilteredRecords},
		{orgTags, &u.OrgTags},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("decode upload %s: %w", u.ID, err)
		}
	}

	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &u, nil
}

func marshalAll(vals ...any) ([]string, error) {
	out := make([]string, len(vals))
	for i, v := range vals {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[i] = string(data)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}
