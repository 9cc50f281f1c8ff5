package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/AndyTargino/vex-client-sdk/internal/database"
	"github.com/AndyTargino/vex-client-sdk/internal/model"
)

// SessionRepository is the registry of sessions vexd hosts, used to resume
// them after a restart.
type SessionRepository interface {
	Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, mode model.TransportMode) error
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// ListResumable returns sessions not closed, oldest first.
	ListResumable(ctx context.Context) ([]model.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO vex_sessions (id, status, identity, mode)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			identity = COALESCE(EXCLUDED.identity, vex_sessions.identity),
			mode = EXCLUDED.mode,
			updated_at = NOW()
		RETURNING *
	`, params.ID, params.Status, params.Identity, params.Mode)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, mode model.TransportMode) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE vex_sessions SET status = $2, mode = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, mode)
	return err
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM vex_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) ListResumable(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM vex_sessions
		WHERE status <> $1
		ORDER BY created_at ASC
	`, model.SessionStatusClose)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM vex_sessions WHERE id = $1`, id)
	return err
}

func (r *sessionRepo) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM vex_sessions WHERE status = $1 AND updated_at < $2
	`, model.SessionStatusClose, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
