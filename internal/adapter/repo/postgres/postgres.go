// Package postgres implements the chart, document and queue repositories on
// PostgreSQL. The queue relies on row locks with SKIP LOCKED so competing
// workers never double-claim, and every state change emits its pg_notify
// event inside the same transaction.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the minimal pool surface the repositories need. *pgxpool.Pool
// satisfies it; tests substitute fakes.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
