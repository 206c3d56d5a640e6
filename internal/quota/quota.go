package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/models"
)

// ErrQuotaExceeded is returned when a key has no narrations left in its period.
var ErrQuotaExceeded = errors.New("quota exceeded")

// KeyStore is the subset of the API key repository the quota service needs.
type KeyStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	// ConsumeUsage applies only while the stored period start equals observedStart.
	ConsumeUsage(ctx context.Context, keyID uuid.UUID, n int64, observedStart, newStart time.Time) (bool, error)
	ReleaseUsage(ctx context.Context, keyID uuid.UUID, n int64) error
}

// consumeAttempts bounds re-reads after losing a race on the key row.
const consumeAttempts = 3

// Service handles quota management
type Service struct {
	keys KeyStore
	now  func() time.Time
}

// NewService creates a new quota service
func NewService(keys KeyStore) *Service {
	return &Service{keys: keys, now: time.Now}
}

// CheckAndConsume checks if quota is available and consumes it. A caller that
// loses a race on the row re-reads the key and tries again, so a period reset
// is applied once and concurrent requests never overshoot the quota.
func (s *Service) CheckAndConsume(ctx context.Context, apiKeyID uuid.UUID, narrations int64) error {
	for attempt := 1; attempt <= consumeAttempts; attempt++ {
		apiKey, err := s.keys.GetByID(ctx, apiKeyID)
		if err != nil {
			return fmt.Errorf("failed to get api key: %w", err)
		}

		// Check if period needs to be reset
		now := s.now()
		periodStart := apiKey.PeriodStartedAt
		used := apiKey.UsedNarrationsInPeriod
		if now.Sub(periodStart) > periodDuration(apiKey.QuotaPeriod) {
			periodStart = now
			used = 0
		}

		if used+narrations > apiKey.QuotaNarrations {
			return fmt.Errorf("%w: %d/%d narrations used", ErrQuotaExceeded, used, apiKey.QuotaNarrations)
		}

		ok, err := s.keys.ConsumeUsage(ctx, apiKey.ID, narrations, apiKey.PeriodStartedAt, periodStart)
		if err != nil {
			return fmt.Errorf("failed to update quota: %w", err)
		}
		if ok {
			log.Debug().
				Str("api_key_id", apiKey.ID.String()).
				Int64("used", used+narrations).
				Int64("quota", apiKey.QuotaNarrations).
				Msg("Quota consumed")
			return nil
		}

		log.Debug().
			Str("api_key_id", apiKey.ID.String()).
			Int("attempt", attempt).
			Msg("Quota row changed concurrently, re-reading")
	}
	return fmt.Errorf("%w: concurrent requests used the remaining narrations", ErrQuotaExceeded)
}

// Release returns narrations charged for a run that could not be started.
func (s *Service) Release(ctx context.Context, apiKeyID uuid.UUID, narrations int64) error {
	if err := s.keys.ReleaseUsage(ctx, apiKeyID, narrations); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

func periodDuration(period string) time.Duration {
	switch period {
	case "daily":
		return 24 * time.Hour
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	case "yearly":
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}
