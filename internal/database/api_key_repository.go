package database

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/snappy-loop/museum-alive/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyRepository handles API key operations
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// KeyLookupHash returns the lookup hash for an API key (sha256 hex).
// Used for secure lookup without storing the plain key.
func KeyLookupHash(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:])
}

// GenerateKey returns a new plain key and its bcrypt hash.
func GenerateKey() (plainKey, hash string, err error) {
	const keyLen = 32
	b := make([]byte, keyLen)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	plainKey = "sk_" + hex.EncodeToString(b)

	h, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash key: %w", err)
	}
	return plainKey, string(h), nil
}

const apiKeyColumns = `id, label, key_hash, status, quota_period, quota_narrations,
			used_narrations_in_period, period_started_at, created_at`

func scanAPIKey(row *sql.Row) (*models.APIKey, error) {
	key := &models.APIKey{}
	err := row.Scan(
		&key.ID, &key.Label, &key.KeyHash, &key.Status, &key.QuotaPeriod,
		&key.QuotaNarrations, &key.UsedNarrationsInPeriod, &key.PeriodStartedAt,
		&key.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByID retrieves an API key by ID
func (r *APIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	return scanAPIKey(r.db.QueryRowContext(ctx, query, id))
}

// GetByKeyLookup retrieves an API key by its lookup hash (sha256 hex of the plain key)
func (r *APIKeyRepository) GetByKeyLookup(ctx context.Context, lookup string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_lookup = $1`
	return scanAPIKey(r.db.QueryRowContext(ctx, query, lookup))
}

// CreateAPIKey creates a new API key and returns the plain key (shown only once).
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, label string, quotaNarrations int64, quotaPeriod string) (plainKey string, key *models.APIKey, err error) {
	plainKey, hash, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	key = &models.APIKey{
		ID:              uuid.New(),
		Label:           label,
		KeyHash:         hash,
		Status:          "active",
		QuotaPeriod:     quotaPeriod,
		QuotaNarrations: quotaNarrations,
		PeriodStartedAt: now,
		CreatedAt:       now,
	}

	query := `
		INSERT INTO api_keys (id, label, key_hash, key_lookup, status, quota_period, quota_narrations,
			used_narrations_in_period, period_started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		key.ID, key.Label, key.KeyHash, KeyLookupHash(plainKey), key.Status, key.QuotaPeriod,
		key.QuotaNarrations, key.UsedNarrationsInPeriod, key.PeriodStartedAt, key.CreatedAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return plainKey, key, nil
}

// ConsumeUsage adds n narrations to the key's usage when it stays within quota.
// The update only applies while period_started_at still equals observedStart, so
// concurrent callers that read the same row cannot both reset the period. When
// newStart differs from observedStart the counter restarts at n from newStart.
// Reports whether the usage was recorded; false means the quota would be
// exceeded or the row changed since it was read.
func (r *APIKeyRepository) ConsumeUsage(ctx context.Context, keyID uuid.UUID, n int64, observedStart, newStart time.Time) (bool, error) {
	query := `
		UPDATE api_keys
		SET used_narrations_in_period = CASE WHEN $5 THEN $1 ELSE used_narrations_in_period + $1 END,
			period_started_at = $3
		WHERE id = $4
			AND period_started_at = $2
			AND (CASE WHEN $5 THEN $1 ELSE used_narrations_in_period + $1 END) <= quota_narrations
	`
	reset := !newStart.Equal(observedStart)
	res, err := r.db.ExecContext(ctx, query, n, observedStart, newStart, keyID, reset)
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}
	return affected == 1, nil
}

// ReleaseUsage gives back n narrations charged for a run that was never started.
func (r *APIKeyRepository) ReleaseUsage(ctx context.Context, keyID uuid.UUID, n int64) error {
	query := `
		UPDATE api_keys
		SET used_narrations_in_period = GREATEST(used_narrations_in_period - $1, 0)
		WHERE id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, n, keyID); err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}
