package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yupi/settlement-hub/internal/domain/appsession"
)

// AppSessionRepository implements appsession.Journal. The full snapshot is
// stored as JSONB; state columns are duplicated for the unresolved index.
type AppSessionRepository struct {
	pool *pgxpool.Pool
}

func NewAppSessionRepository(pool *pgxpool.Pool) *AppSessionRepository {
	return &AppSessionRepository{pool: pool}
}

func (r *AppSessionRepository) Save(ctx context.Context, s *appsession.Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Ref, err)
	}
	var id *string
	if s.ID != "" {
		id = &s.ID
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO app_sessions
		(ref, app_session_id, state, outcome, closing, version, body, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (ref) DO UPDATE SET
			app_session_id = EXCLUDED.app_session_id,
			state = EXCLUDED.state,
			outcome = EXCLUDED.outcome,
			closing = EXCLUDED.closing,
			version = EXCLUDED.version,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, s.Ref, id, string(s.State), string(s.Outcome), s.Closing, int64(s.Version), body, s.CreatedAt, s.UpdatedAt)
	return err
}

// Get returns nil when the session is not journaled.
func (r *AppSessionRepository) Get(ctx context.Context, ref uuid.UUID) (*appsession.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT body FROM app_sessions WHERE ref=$1`, ref)
	s, err := scanAppSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListUnresolved returns sessions that are pending, open, or failed with an
// unknown outcome, oldest first.
func (r *AppSessionRepository) ListUnresolved(ctx context.Context) ([]*appsession.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT body FROM app_sessions
		WHERE state IN ('pending', 'open') OR (state = 'failed' AND outcome = 'unknown')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*appsession.Session
	for rows.Next() {
		s, err := scanAppSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanAppSession(row pgx.Row) (*appsession.Session, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var s appsession.Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
