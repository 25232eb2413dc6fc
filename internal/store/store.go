package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/sentinel-edge/internal/pipeline"
	"github.com/andresmejia3/sentinel-edge/internal/types"
)

// EmbeddingDim is the width of the identities.embedding column.
const EmbeddingDim = 512

// Store manages the PostgreSQL pool and pgvector operations. All methods are
// safe for concurrent use by camera workers.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and the vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT,
			embedding VECTOR(%d) NOT NULL,
			visit_count INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS capture_sessions (
			id UUID PRIMARY KEY,
			camera_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			best_score DOUBLE PRECISION NOT NULL,
			frames INT NOT NULL,
			scored INT NOT NULL,
			fused INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			customer_id INT,
			similarity DOUBLE PRECISION,
			error TEXT NOT NULL DEFAULT '',
			total_ms DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS capture_sessions_camera_idx ON capture_sessions (camera_id, started_at DESC);
	`, EmbeddingDim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordSession saves one finished session.
func (s *Store) RecordSession(ctx context.Context, o pipeline.Outcome) error {
	var (
		status     string
		customerID *int
		similarity *float64
		errText    string
		fused      int
	)
	if o.Identity != nil {
		status = o.Identity.Status
		customerID = &o.Identity.CustomerID
		similarity = &o.Identity.Similarity
	}
	if o.Err != nil {
		errText = o.Err.Error()
	}
	if o.Fusion != nil {
		fused = len(o.Fusion.Contributions)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO capture_sessions
			(id, camera_id, state, reason, best_score, frames, scored, fused, status, customer_id, similarity, error, total_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, o.SessionID, o.Camera, o.State.String(), string(o.Reason), o.Best.Total, o.Frames, o.Scored, fused,
		status, customerID, similarity, errText, ms(o.Timings.Total), o.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", o.SessionID, err)
	}
	return nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// SessionRow is one stored capture session.
type SessionRow struct {
	ID         string
	Camera     string
	State      string
	Reason     string
	BestScore  float64
	Frames     int
	Scored     int
	Fused      int
	Status     string
	CustomerID *int
	Similarity *float64
	Error      string
	TotalMs    float64
	StartedAt  time.Time
}

// ListSessions returns the most recent sessions, newest first. camera may be
// empty to list every camera.
func (s *Store) ListSessions(ctx context.Context, camera string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, camera_id, state, reason, best_score, frames, scored, fused, status,
		       customer_id, similarity, error, total_ms, started_at
		FROM capture_sessions
		WHERE $1 = '' OR camera_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, camera, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.Camera, &r.State, &r.Reason, &r.BestScore, &r.Frames, &r.Scored, &r.Fused,
			&r.Status, &r.CustomerID, &r.Similarity, &r.Error, &r.TotalMs, &r.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Identity is one locally enrolled visitor.
type Identity struct {
	ID         int
	Name       string
	VisitCount int
	CreatedAt  time.Time
	LastSeen   time.Time
}

// Identify matches req against the identities table by cosine distance. A
// match at or above threshold similarity folds the new embedding into the
// stored one as a running average; anything else enrols a new identity.
func (s *Store) Identify(ctx context.Context, req types.IdentifyRequest, threshold float64) (types.Identity, error) {
	if len(req.Embedding) != EmbeddingDim {
		return types.Identity{}, fmt.Errorf("embedding has %d dimensions, store expects %d", len(req.Embedding), EmbeddingDim)
	}
	vec := pgvector.NewVector(req.Embedding)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Identity{}, err
	}
	defer tx.Rollback(ctx)

	// <=> is the cosine distance operator in pgvector.
	// FOR UPDATE locks the row so two cameras cannot average into it at once.
	var (
		id       int
		stored   pgvector.Vector
		visits   int
		distance float64
	)
	err = tx.QueryRow(ctx, `
		SELECT id, embedding, visit_count, embedding <=> $1 AS distance
		FROM identities
		ORDER BY embedding <=> $1 ASC
		LIMIT 1
		FOR UPDATE
	`, vec).Scan(&id, &stored, &visits, &distance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return types.Identity{}, err
	}

	if err == nil && 1-distance >= threshold {
		avg := runningAverage(stored.Slice(), visits, req.Embedding)
		if _, err := tx.Exec(ctx, `
			UPDATE identities SET embedding = $1, visit_count = visit_count + 1, last_seen = NOW() WHERE id = $2
		`, pgvector.NewVector(avg), id); err != nil {
			return types.Identity{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return types.Identity{}, err
		}
		return types.Identity{
			Status:     types.StatusReturning,
			CustomerID: id,
			VisitCount: visits + 1,
			Similarity: 1 - distance,
		}, nil
	}

	if err := tx.QueryRow(ctx, "INSERT INTO identities (embedding) VALUES ($1) RETURNING id", vec).Scan(&id); err != nil {
		return types.Identity{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Identity{}, err
	}
	return types.Identity{Status: types.StatusNew, CustomerID: id, VisitCount: 1}, nil
}

// runningAverage weights the stored vector by its visit count.
func runningAverage(old []float32, count int, next []float32) []float32 {
	out := make([]float32, len(next))
	total := float32(count + 1)
	for i := range next {
		var o float32
		if i < len(old) {
			o = old[i]
		}
		out[i] = (o*float32(count) + next[i]) / total
	}
	return out
}

// Identifier binds Identify to a threshold so the store can stand in for the
// dashboard API.
func (s *Store) Identifier(threshold float64) pipeline.IdentificationService {
	return localIdentifier{store: s, threshold: threshold}
}

type localIdentifier struct {
	store     *Store
	threshold float64
}

func (l localIdentifier) Identify(ctx context.Context, req types.IdentifyRequest) (types.Identity, error) {
	return l.store.Identify(ctx, req, l.threshold)
}

// ListIdentities returns every enrolled identity, most recently seen first.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(name, ''), visit_count, created_at, last_seen
		FROM identities
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var i Identity
		if err := rows.Scan(&i.ID, &i.Name, &i.VisitCount, &i.CreatedAt, &i.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// RenameIdentity updates the name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id int, newName string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %d not found", id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS capture_sessions CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}
