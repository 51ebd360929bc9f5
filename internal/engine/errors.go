package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies why a query did not succeed.
type Kind string

const (
	KindNone          Kind = ""
	KindSQLError      Kind = "sql_error"
	KindSyntax        Kind = "syntax_error"
	KindConstraint    Kind = "constraint_violation"
	KindTimeout       Kind = "timeout"
	KindPoolExhausted Kind = "pool_exhausted"
	KindConnection    Kind = "connection"
	KindCancelled     Kind = "cancelled"
	KindPanic         Kind = "panic"
)

// ClassifyError maps an execution error to a Kind. Server errors are
// classified by SQLSTATE; anything else that is not a context error is
// treated as a connection problem.
func ClassifyError(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindConnection
}

func classifySQLState(code string) Kind {
	switch code {
	case pgerrcode.QueryCanceled:
		// statement_timeout and explicit cancel requests both land here
		return KindTimeout
	case pgerrcode.SyntaxError, pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn,
		pgerrcode.UndefinedFunction, pgerrcode.AmbiguousColumn, pgerrcode.DatatypeMismatch,
		pgerrcode.GroupingError:
		return KindSyntax
	case pgerrcode.UniqueViolation, pgerrcode.ForeignKeyViolation, pgerrcode.NotNullViolation,
		pgerrcode.CheckViolation:
		return KindConstraint
	case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown, pgerrcode.CannotConnectNow,
		pgerrcode.TooManyConnections:
		return KindConnection
	}
	switch {
	case strings.HasPrefix(code, "42"):
		return KindSyntax
	case strings.HasPrefix(code, "23"):
		return KindConstraint
	case strings.HasPrefix(code, "08"):
		return KindConnection
	}
	return KindSQLError
}

// poisonsConn reports whether a connection that produced this kind must be
// closed rather than returned to the pool.
func poisonsConn(k Kind) bool {
	switch k {
	case KindTimeout, KindCancelled, KindConnection, KindPanic:
		return true
	}
	return false
}
