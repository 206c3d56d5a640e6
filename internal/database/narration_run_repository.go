package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/models"
)

// NarrationRunRepository stores run metadata. Story and description text are not persisted.
type NarrationRunRepository struct {
	db *DB
}

// NewNarrationRunRepository creates a new NarrationRunRepository
func NewNarrationRunRepository(db *DB) *NarrationRunRepository {
	return &NarrationRunRepository{db: db}
}

// Create inserts a run. Re-recording the same ID is a no-op.
func (r *NarrationRunRepository) Create(ctx context.Context, run *models.NarrationRun) error {
	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}

	query := `
		INSERT INTO narration_runs (
			id, api_key_id, input_kind, variant, story_fallback, has_audio,
			audio_url, credential_missing, stages, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		run.ID, run.APIKeyID, run.InputKind, run.Variant, run.StoryFallback, run.HasAudio,
		run.AudioURL, run.CredentialMissing, stagesJSON, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert narration run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by ID
func (r *NarrationRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.NarrationRun, error) {
	query := `
		SELECT id, api_key_id, input_kind, variant, story_fallback, has_audio,
			audio_url, credential_missing, stages, created_at
		FROM narration_runs WHERE id = $1
	`

	run := &models.NarrationRun{}
	var stagesJSON []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.APIKeyID, &run.InputKind, &run.Variant, &run.StoryFallback, &run.HasAudio,
		&run.AudioURL, &run.CredentialMissing, &stagesJSON, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("narration run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
		}
	}
	return run, nil
}
