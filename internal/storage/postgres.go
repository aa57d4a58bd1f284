// Package storage provides the two persistence tiers: Postgres for state
// that must survive restarts (detection cache, user settings) and Redis for
// session-scoped per-domain state.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tagscout/internal/domain"
)

// PostgresStore is the durable tier. It backs the detection cache and the
// user settings record.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// Load reads every flushed detection record. Expiry is applied by the cache
// on the way in, not here.
func (s *PostgresStore) Load(ctx context.Context) (map[string]*domain.DetectionRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT domain, detected, confidence, first_seen, last_seen, subdomains FROM detection_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]*domain.DetectionRecord)
	for rows.Next() {
		var rec domain.DetectionRecord
		if err := rows.Scan(&rec.Domain, &rec.Detected, &rec.Confidence,
			&rec.FirstSeen, &rec.LastSeen, &rec.Subdomains); err != nil {
			return nil, err
		}
		records[rec.Domain] = &rec
	}
	return records, rows.Err()
}

// Upsert writes one detection record, keyed by domain.
func (s *PostgresStore) Upsert(ctx context.Context, rec *domain.DetectionRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO detection_cache (domain, detected, confidence, first_seen, last_seen, subdomains)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (domain) DO UPDATE SET
		   detected = EXCLUDED.detected, confidence = EXCLUDED.confidence,
		   last_seen = EXCLUDED.last_seen, subdomains = EXCLUDED.subdomains`,
		rec.Domain, rec.Detected, rec.Confidence, rec.FirstSeen, rec.LastSeen, rec.Subdomains)
	return err
}

// Delete removes flushed records for evicted or expired domains.
func (s *PostgresStore) Delete(ctx context.Context, domains []string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM detection_cache WHERE domain = ANY($1)`, domains)
	return err
}

// Clear drops every flushed record.
func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM detection_cache`)
	return err
}

// Settings is the persisted per-user configuration.
type Settings struct {
	Enabled bool `json:"enabled"`
}

// GetSettings reads the single settings row, defaulting to enabled when none
// has been written yet.
func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var st Settings
	err := s.db.QueryRow(ctx, `SELECT enabled FROM user_settings WHERE id = 1`).Scan(&st.Enabled)
	if err == pgx.ErrNoRows {
		return &Settings{Enabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveSettings upserts the single settings row.
func (s *PostgresStore) SaveSettings(ctx context.Context, st *Settings) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_settings (id, enabled) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled`,
		st.Enabled)
	return err
}
