package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/events"
)

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres connects and pings. The returned DB is shared by the event
// store and the contact list.
func OpenPostgres(ctx context.Context, config PostgresConfig) (*sqlx.DB, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS detection_events (
	id UUID PRIMARY KEY,
	kind VARCHAR(32) NOT NULL,
	mode VARCHAR(16) NOT NULL,
	frame_index INTEGER NOT NULL DEFAULT 0,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	anomaly BOOLEAN NOT NULL DEFAULT FALSE,
	message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_detection_events_created_at ON detection_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_detection_events_kind ON detection_events(kind);
`

// PostgresEventStore keeps an audit trail of detections and alerts.
type PostgresEventStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresEventStore initialises the schema on db.
func NewPostgresEventStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*PostgresEventStore, error) {
	if logger == nil {
		logger = zap.L()
	}
	if _, err := db.ExecContext(ctx, eventSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresEventStore{db: db, logger: logger.Named("event-store")}, nil
}

func (s *PostgresEventStore) SaveEvent(ctx context.Context, e events.Event) error {
	query := `
		INSERT INTO detection_events (id, kind, mode, frame_index, score, threshold, anomaly, message, created_at)
		VALUES (:id, :kind, :mode, :frame_index, :score, :threshold, :anomaly, :message, :created_at)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("failed to save event %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally filtered by kind.
func (s *PostgresEventStore) Recent(ctx context.Context, kind events.Kind, limit int) ([]events.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		out []events.Event
		err error
	)
	if kind == "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, kind, mode, frame_index, score, threshold, anomaly, message, created_at
			FROM detection_events ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, kind, mode, frame_index, score, threshold, anomaly, message, created_at
			FROM detection_events WHERE kind = $1 ORDER BY created_at DESC LIMIT $2`, string(kind), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return out, nil
}

func (s *PostgresEventStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
