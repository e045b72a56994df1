// Package libdbexec provides a thin execution layer over database/sql:
// an Exec interface shared by transactional and non-transactional code
// paths, a DBManager that hands out executors, and a set of sentinel
// errors that store packages can match with errors.Is regardless of the
// underlying driver.
package libdbexec

import (
	"context"
	"database/sql"
	"errors"
)

// Sentinel errors returned by executors after driver error translation.
var (
	ErrNotFound             = errors.New("libdb: resource not found")
	ErrTxFailed             = errors.New("libdb: transaction failed")
	ErrUniqueViolation      = errors.New("libdb: unique constraint violation")
	ErrForeignKeyViolation  = errors.New("libdb: foreign key constraint violation")
	ErrNotNullViolation     = errors.New("libdb: not null constraint violation")
	ErrCheckViolation       = errors.New("libdb: check constraint violation")
	ErrConstraintViolation  = errors.New("libdb: constraint violation")
	ErrDeadlockDetected     = errors.New("libdb: deadlock detected")
	ErrSerializationFailure = errors.New("libdb: serialization failure")
	ErrLockNotAvailable     = errors.New("libdb: lock not available")
	ErrQueryCanceled        = errors.New("libdb: query canceled")
	ErrDataTruncation       = errors.New("libdb: data truncated")
	ErrNumericOutOfRange    = errors.New("libdb: numeric value out of range")
	ErrInvalidInputSyntax   = errors.New("libdb: invalid input syntax")
	ErrUndefinedColumn      = errors.New("libdb: undefined column")
	ErrUndefinedTable       = errors.New("libdb: undefined table")
	ErrMaxRowsReached       = errors.New("libdb: maximum row count reached")
)

// QueryRower is the single-row result surface returned by QueryRowContext.
// Scan translates driver errors before returning them.
type QueryRower interface {
	Scan(dest ...any) error
}

// Exec is the query execution surface handed to store packages. It is
// satisfied both by the raw connection pool and by an open transaction,
// so store code never needs to know which one it runs on.
type Exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) QueryRower
}

// CommitTx commits the transaction an executor was bound to.
type CommitTx func(ctx context.Context) error

// ReleaseTx rolls the transaction back unless it was committed. Safe to
// defer unconditionally; a rollback after commit is a no-op.
type ReleaseTx func() error

// DBManager owns a database handle and hands out executors.
type DBManager interface {
	// WithoutTransaction returns an executor bound to the connection pool.
	WithoutTransaction() Exec
	// WithTransaction begins a transaction and returns an executor bound
	// to it together with commit and release functions. onRollback hooks
	// run when the transaction is released without a commit.
	WithTransaction(ctx context.Context, onRollback ...func()) (Exec, CommitTx, ReleaseTx, error)
	// Close shuts down the underlying handle.
	Close() error
}

// txAwareDB implements the Exec interface, delegating to an underlying
// *sql.DB or *sql.Tx and translating errors via an injected translator.
// This allows each database driver to wire in its own error mapping so
// sentinel errors like ErrUniqueViolation are always returned correctly
// regardless of driver.
type txAwareDB struct {
	db           *sql.DB
	tx           *sql.Tx
	errTranslate func(error) error // driver-specific error translator
}

// ExecContext delegates to the underlying DB or Tx and translates errors.
func (s *txAwareDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	if s.tx != nil {
		res, err = s.tx.ExecContext(ctx, query, args...)
	} else if s.db != nil {
		res, err = s.db.ExecContext(ctx, query, args...)
	} else {
		return nil, errors.New("libdb: Exec called on uninitialized txAwareDB")
	}
	return res, s.errTranslate(err)
}

// QueryContext delegates to the underlying DB or Tx and translates errors.
func (s *txAwareDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.QueryContext(ctx, query, args...)
	} else if s.db != nil {
		rows, err = s.db.QueryContext(ctx, query, args...)
	} else {
		return nil, errors.New("libdb: Query called on uninitialized txAwareDB")
	}
	if err != nil {
		return nil, s.errTranslate(err)
	}
	return rows, nil
}

// QueryRowContext delegates to the underlying DB or Tx and wraps the result.
func (s *txAwareDB) QueryRowContext(ctx context.Context, query string, args ...any) QueryRower {
	var r *sql.Row
	if s.tx != nil {
		r = s.tx.QueryRowContext(ctx, query, args...)
	} else if s.db != nil {
		r = s.db.QueryRowContext(ctx, query, args...)
	} else {
		return &row{err: errors.New("libdb: QueryRow called on uninitialized txAwareDB")}
	}
	return &row{inner: r, errTranslate: s.errTranslate}
}

// row implements QueryRower, wrapping *sql.Row to translate Scan errors.
type row struct {
	inner        *sql.Row
	err          error
	errTranslate func(error) error
}

// Scan calls the underlying Scan method and translates the error.
func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.inner == nil {
		return errors.New("libdb: Scan called on nil row wrapper")
	}
	return r.errTranslate(r.inner.Scan(dest...))
}
