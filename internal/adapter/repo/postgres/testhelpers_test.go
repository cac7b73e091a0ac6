package postgres

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Hand-rolled fakes for the PgxPool surface. They script row results and
// record executed SQL so tests can assert on statements, arguments and
// transaction outcomes without a live database.

type execCall struct {
	sql  string
	args []any
}

// zeroUpdateTag scripts an Exec that matched no rows.
func zeroUpdateTag() []pgconn.CommandTag {
	return []pgconn.CommandTag{pgconn.NewCommandTag("UPDATE 0")}
}

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) || r.vals[i] == nil {
			continue
		}
		rv := reflect.ValueOf(d).Elem()
		rv.Set(reflect.ValueOf(r.vals[i]).Convert(rv.Type()))
	}
	return nil
}

type fakeRows struct {
	rows []*fakeRow
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error { return r.rows[r.idx-1].Scan(dest...) }
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeTx struct {
	execs      []execCall
	execTags   []pgconn.CommandTag
	execErr    error
	rowQueue   []*fakeRow
	queryRows  *fakeRows
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	if len(t.execTags) > 0 {
		tag := t.execTags[0]
		t.execTags = t.execTags[1:]
		return tag, nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(t.rowQueue) == 0 {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	row := t.rowQueue[0]
	t.rowQueue = t.rowQueue[1:]
	return row
}

func (t *fakeTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if t.queryRows != nil {
		return t.queryRows, nil
	}
	return &fakeRows{}, nil
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Conn() *pgx.Conn                       { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects        { return pgx.LargeObjects{} }
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

type fakePool struct {
	tx        *fakeTx
	execs     []execCall
	execTags  []pgconn.CommandTag
	execErr   error
	rowQueue  []*fakeRow
	queryRows *fakeRows
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execs = append(p.execs, execCall{sql: sql, args: args})
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	if len(p.execTags) > 0 {
		tag := p.execTags[0]
		p.execTags = p.execTags[1:]
		return tag, nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if len(p.rowQueue) == 0 {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	row := p.rowQueue[0]
	p.rowQueue = p.rowQueue[1:]
	return row
}

func (p *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryRows != nil {
		return p.queryRows, nil
	}
	return &fakeRows{}, nil
}

func (p *fakePool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.tx == nil {
		p.tx = &fakeTx{}
	}
	return p.tx, nil
}
