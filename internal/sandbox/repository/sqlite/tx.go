package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandpit-io/sandpit/internal/sandbox/models"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
)

// txRepo exposes the transactional mutation subset over a live transaction.
type txRepo struct {
	tx *sqlx.Tx
}

func (t *txRepo) CreateExecution(ctx context.Context, execution *models.Execution) error {
	return insertExecution(ctx, t.tx, execution)
}

func (t *txRepo) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	return updateExecution(ctx, t.tx, execution)
}

func (t *txRepo) UpdateSession(ctx context.Context, session *models.Session) error {
	return updateSession(ctx, t.tx, session)
}

func (t *txRepo) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	return touchSessionActivity(ctx, t.tx, id, at)
}

// WithTx runs fn inside a single writer transaction; every statement fn
// issues through the Tx commits or rolls back together.
func (r *Repository) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&txRepo{tx: tx}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback transaction: %w", rollbackErr)
		}
		return err
	}
	return tx.Commit()
}
