package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dbtx is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx,
// letting every query run either directly or inside a unit of work.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UnitOfWork exposes the repository's operations bound to one transaction.
// Obtain one via [Repository.WithinUnitOfWork]; it is not safe for concurrent
// use.
type UnitOfWork struct {
	queries
}

// WithinUnitOfWork runs fn inside a single transaction. fn returning an
// error rolls everything back; otherwise the transaction commits. Partial
// writes are never visible to other connections.
func (r *Repository) WithinUnitOfWork(ctx context.Context, fn func(uow *UnitOfWork) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&UnitOfWork{queries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: commit: %w", err)
	}
	return nil
}
