package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// DB is the PostgreSQL handle for API keys and run metadata.
type DB struct {
	*sql.DB
}

// Connect opens the pool and pings until the server answers, ctx ends or the
// attempts run out.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	var pingErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if pingErr = ping(ctx, db); pingErr == nil {
			log.Info().Int("attempt", attempt).Msg("Database connection established")
			return &DB{DB: db}, nil
		}
		log.Warn().Err(pingErr).Int("attempt", attempt).Msg("Database not ready")
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(connectBackoff * time.Duration(attempt)):
		}
	}
	db.Close()
	return nil, fmt.Errorf("failed to ping database: %w", pingErr)
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	log.Info().Msg("Closing database connection")
	return db.DB.Close()
}

// Health pings the database with a short timeout.
func (db *DB) Health(ctx context.Context) error {
	return ping(ctx, db.DB)
}
