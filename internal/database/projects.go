package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	FacilitatorID *string   `json:"facilitatorId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Interaction is a comment, question or reaction attached to a story.
type Interaction struct {
	ID        string    `json:"id"`
	StoryID   string    `json:"storyId"`
	AuthorID  *string   `json:"authorId,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type ExportStory struct {
	Story
	Interactions []Interaction `json:"interactions"`
}

// ProjectExport is a consistent snapshot of everything a project archive
// contains.
type ProjectExport struct {
	Project Project       `json:"project"`
	Stories []ExportStory `json:"stories"`
}

type ProjectStore struct {
	pool *pgxpool.Pool
}

func (db *DB) Projects() *ProjectStore {
	return &ProjectStore{pool: db.Pool}
}

// ProjectExport loads a project with its stories and their interactions
// in one read-only snapshot. Returns ErrNotFound for an unknown project.
func (s *ProjectStore) ProjectExport(ctx context.Context, projectID string) (*ProjectExport, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var out ProjectExport
	err = tx.QueryRow(ctx, `
		SELECT id, name, description, facilitator_id, created_at
		FROM projects WHERE id = $1
	`, projectID).Scan(
		&out.Project.ID, &out.Project.Name, &out.Project.Description,
		&out.Project.FacilitatorID, &out.Project.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE project_id = $1 ORDER BY created_at, id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query stories: %w", err)
	}
	index := make(map[string]int)
	var ids []string
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan story: %w", err)
		}
		index[story.ID] = len(out.Stories)
		ids = append(ids, story.ID)
		out.Stories = append(out.Stories, ExportStory{Story: *story, Interactions: []Interaction{}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		out.Stories = []ExportStory{}
		return &out, nil
	}

	rows, err = tx.Query(ctx, `
		SELECT id, story_id, author_id, kind, content, created_at
		FROM interactions
		WHERE story_id = ANY($1)
		ORDER BY created_at, id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var in Interaction
		if err := rows.Scan(&in.ID, &in.StoryID, &in.AuthorID, &in.Kind, &in.Content, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		i := index[in.StoryID]
		out.Stories[i].Interactions = append(out.Stories[i].Interactions, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &out, nil
}
