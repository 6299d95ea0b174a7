package voiceprint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ddlVoiceprints creates the voiceprint sample table. The vector column
// dimension is fixed per deployment; changing the extraction configuration
// after first migration requires a manual schema change and re-enrollment.
const ddlVoiceprints = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voiceprint_samples (
    id           BIGSERIAL    PRIMARY KEY,
    speaker_id   TEXT         NOT NULL,
    speaker_name TEXT         NOT NULL DEFAULT '',
    embedding    vector(%d)   NOT NULL,
    method       TEXT         NOT NULL,
    source_rate  INTEGER      NOT NULL,
    duration_ns  BIGINT       NOT NULL,
    recorded     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voiceprint_samples_speaker
    ON voiceprint_samples (speaker_id);`

// Store persists voiceprint samples in PostgreSQL with a pgvector column.
// It is the durability layer behind [Registry]: samples are written on
// enrollment and loaded back into a fresh registry at startup. Matching
// itself always runs in-process against registry snapshots.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and ensures the schema exists with the given vector
// dimension.
func NewStore(ctx context.Context, dsn string, dim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("voiceprint store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("voiceprint store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voiceprint store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlVoiceprints, dim)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voiceprint store: migrate: %w", err)
	}
	return &Store{pool: pool, dim: dim}, nil
}

// SaveSample appends a sample row for a speaker. Samples are append-only,
// mirroring [Registry.Enroll]; removing a speaker deletes all their rows.
func (s *Store) SaveSample(ctx context.Context, name string, sample Sample) error {
	if sample.Vector.Dim() != s.dim {
		return fmt.Errorf("voiceprint store: sample dimension %d does not match schema dimension %d",
			sample.Vector.Dim(), s.dim)
	}

	const q = `
		INSERT INTO voiceprint_samples
		    (speaker_id, speaker_name, embedding, method, source_rate, duration_ns, recorded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	vec := make([]float32, len(sample.Vector.Values))
	for i, v := range sample.Vector.Values {
		vec[i] = float32(v)
	}
	_, err := s.pool.Exec(ctx, q,
		sample.SpeakerID,
		name,
		pgvector.NewVector(vec),
		sample.Vector.Method,
		sample.Vector.SourceRate,
		sample.Vector.Duration.Nanoseconds(),
		sample.Recorded,
	)
	if err != nil {
		return fmt.Errorf("voiceprint store: save sample: %w", err)
	}
	return nil
}

// DeleteSpeaker removes all persisted samples for a speaker.
func (s *Store) DeleteSpeaker(ctx context.Context, speakerID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM voiceprint_samples WHERE speaker_id = $1`, speakerID); err != nil {
		return fmt.Errorf("voiceprint store: delete speaker %q: %w", speakerID, err)
	}
	return nil
}

// LoadAll replays every persisted sample into reg in enrollment order.
// Called once at startup to rebuild the in-memory registry.
func (s *Store) LoadAll(ctx context.Context, reg *Registry) (int, error) {
	const q = `
		SELECT speaker_id, speaker_name, embedding, method, source_rate, duration_ns
		FROM   voiceprint_samples
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("voiceprint store: load: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			speakerID  string
			name       string
			vec        pgvector.Vector
			method     string
			sourceRate int
			durationNS int64
		)
		if err := rows.Scan(&speakerID, &name, &vec, &method, &sourceRate, &durationNS); err != nil {
			return n, fmt.Errorf("voiceprint store: scan: %w", err)
		}

		raw := vec.Slice()
		values := make([]float64, len(raw))
		for i, v := range raw {
			values[i] = float64(v)
		}
		fv := FeatureVector{
			Values:     values,
			Method:     method,
			SourceRate: sourceRate,
			Duration:   time.Duration(durationNS),
		}
		if _, err := reg.Enroll(speakerID, name, fv); err != nil {
			return n, fmt.Errorf("voiceprint store: replay sample for %q: %w", speakerID, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("voiceprint store: load: %w", err)
	}
	return n, nil
}

// Ping probes the database connection; used by the readiness handler.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
