package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/story-pipeline/internal/storage"
)

// Export request states.
const (
	ExportPending    = "pending"
	ExportProcessing = "processing"
	ExportReady      = "ready"
	ExportFailed     = "failed"
	ExportExpired    = "expired"
)

// ExportRequest is a facilitator's request for a project archive.
type ExportRequest struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"projectId"`
	FacilitatorID string     `json:"facilitatorId"`
	Status        string     `json:"status"`
	ObjectKey     *string    `json:"objectKey,omitempty"`
	DownloadURL   *string    `json:"downloadUrl,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ExportRequestUpdate is a partial update. Nil fields are left untouched.
type ExportRequestUpdate struct {
	Status       *string
	ObjectKey    *string
	DownloadURL  *string
	ExpiresAt    *time.Time
	ErrorMessage *string
}

// ExportRequestStore reads and updates export requests. It also serves
// as the sweeper's index of expired archives.
type ExportRequestStore struct {
	pool *pgxpool.Pool
}

func (db *DB) ExportRequests() *ExportRequestStore {
	return &ExportRequestStore{pool: db.Pool}
}

func (s *ExportRequestStore) FindByID(ctx context.Context, id string) (*ExportRequest, error) {
	var r ExportRequest
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, facilitator_id, status, object_key, download_url,
			expires_at, error_message, created_at, updated_at
		FROM export_requests WHERE id = $1
	`, id).Scan(
		&r.ID, &r.ProjectID, &r.FacilitatorID, &r.Status, &r.ObjectKey, &r.DownloadURL,
		&r.ExpiresAt, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// Update applies a partial update. Returns ErrNotFound for an unknown id.
func (s *ExportRequestStore) Update(ctx context.Context, id string, u ExportRequestUpdate) error {
	query, args, ok := exportUpdateQuery(id, u)
	if !ok {
		return nil
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update export request %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func exportUpdateQuery(id string, u ExportRequestUpdate) (string, []any, bool) {
	var s setList
	if u.Status != nil {
		s.add("status", *u.Status)
	}
	if u.ObjectKey != nil {
		s.add("object_key", pqString(*u.ObjectKey))
	}
	if u.DownloadURL != nil {
		s.add("download_url", pqString(*u.DownloadURL))
	}
	if u.ExpiresAt != nil {
		s.add("expires_at", *u.ExpiresAt)
	}
	if u.ErrorMessage != nil {
		s.add("error_message", pqString(*u.ErrorMessage))
	}
	if s.empty() {
		return "", nil, false
	}
	q, args := s.build("export_requests", id, "")
	return q, args, true
}

// ListExpired returns ready exports whose download window closed before now.
func (s *ExportRequestStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]storage.ExpiredExport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(object_key, '')
		FROM export_requests
		WHERE status = 'ready' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ExpiredExport
	for rows.Next() {
		var e storage.ExpiredExport
		if err := rows.Scan(&e.ID, &e.Key); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkExpired retires a ready export whose archive has been deleted.
func (s *ExportRequestStore) MarkExpired(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_requests
		SET status = 'expired', download_url = NULL, updated_at = now()
		WHERE id = $1 AND status = 'ready'
	`, id)
	return err
}
