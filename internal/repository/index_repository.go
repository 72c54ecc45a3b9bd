package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sentinelfleet/sentinel/internal/db"
	"github.com/sentinelfleet/sentinel/internal/db/queries"
	"github.com/sentinelfleet/sentinel/internal/models"
)

// IndexRepository handles database operations for the file checksum index
type IndexRepository struct {
	db *db.DB
}

// NewIndexRepository creates a new checksum index repository
func NewIndexRepository(database *db.DB) *IndexRepository {
	return &IndexRepository{db: database}
}

// Upsert inserts an index entry or refreshes its checksum and modifier if
// the path is already indexed.
func (r *IndexRepository) Upsert(ctx context.Context, entry *models.IndexEntry) error {
	_, err := r.db.ExecContext(ctx, queries.UpsertIndexEntry,
		entry.Path,
		entry.StorePath,
		entry.IsPublic,
		entry.Checksum,
		entry.LastUpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert index entry: %w", err)
	}
	return nil
}

// GetByPath retrieves the index entry for an absolute store path
func (r *IndexRepository) GetByPath(ctx context.Context, path string) (*models.IndexEntry, error) {
	entry := &models.IndexEntry{}

	err := r.db.QueryRowContext(ctx, queries.GetIndexEntryByPath, path).Scan(
		&entry.Path,
		&entry.StorePath,
		&entry.IsPublic,
		&entry.Checksum,
		&entry.LastUpdatedBy,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index entry: %w", err)
	}

	return entry, nil
}

// List returns all index entries for either the public or the private tree
func (r *IndexRepository) List(ctx context.Context, public bool) ([]*models.IndexEntry, error) {
	rows, err := r.db.QueryContext(ctx, queries.ListIndexEntries, public)
	if err != nil {
		return nil, fmt.Errorf("failed to list index entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.IndexEntry
	for rows.Next() {
		entry := &models.IndexEntry{}
		if err := rows.Scan(
			&entry.Path,
			&entry.StorePath,
			&entry.IsPublic,
			&entry.Checksum,
			&entry.LastUpdatedBy,
		); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate index entries: %w", err)
	}

	return entries, nil
}

// Delete removes an index entry by absolute store path
func (r *IndexRepository) Delete(ctx context.Context, path string) error {
	if _, err := r.db.ExecContext(ctx, queries.DeleteIndexEntry, path); err != nil {
		return fmt.Errorf("failed to delete index entry: %w", err)
	}
	return nil
}
