package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/museum-alive/internal/database"
	"github.com/snappy-loop/museum-alive/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is the type for context keys
type ContextKey string

// APIKeyIDKey is the context key for API key ID
const APIKeyIDKey ContextKey = "api_key_id"

var (
	ErrMissingKey  = errors.New("missing api key")
	ErrInvalidKey  = errors.New("invalid api key")
	ErrDisabledKey = errors.New("api key is disabled")
)

// KeyStore looks up API keys by the sha256 lookup hash.
type KeyStore interface {
	GetByKeyLookup(ctx context.Context, lookup string) (*models.APIKey, error)
}

// Service handles authentication
type Service struct {
	keys KeyStore
}

// NewService creates a new auth service
func NewService(keys KeyStore) *Service {
	return &Service{keys: keys}
}

// Middleware creates an authentication middleware
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := BearerToken(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		storedKey, err := s.ValidateAPIKey(r.Context(), apiKey)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := WithAPIKeyID(r.Context(), storedKey.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the key from an "Authorization: Bearer <key>" header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrMissingKey)
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidKey)
	}

	apiKey := strings.TrimSpace(parts[1])
	if apiKey == "" {
		return "", fmt.Errorf("%w: empty api key", ErrMissingKey)
	}
	return apiKey, nil
}

// ValidateAPIKey validates an API key and returns the associated key info
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	storedKey, err := s.keys.GetByKeyLookup(ctx, database.KeyLookupHash(apiKey))
	if err != nil {
		log.Debug().Err(err).Msg("API key lookup failed")
		return nil, ErrInvalidKey
	}

	if storedKey.Status != "active" {
		log.Warn().Str("key_id", storedKey.ID.String()).Msg("API key is not active")
		return nil, ErrDisabledKey
	}

	// Lookup hash finds the row; bcrypt confirms the key.
	if err := bcrypt.CompareHashAndPassword([]byte(storedKey.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidKey
	}

	return storedKey, nil
}

// WithAPIKeyID stores the authenticated key ID in ctx.
func WithAPIKeyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, APIKeyIDKey, id)
}

// GetAPIKeyID retrieves the API key ID from context
func GetAPIKeyID(ctx context.Context) (uuid.UUID, error) {
	keyID, ok := ctx.Value(APIKeyIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("api key id not found in context")
	}
	return keyID, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
