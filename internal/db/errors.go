package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation   = "23505"
	codeUndefinedFunction = "42883"
)

// IsUniqueViolation reports a duplicate-key error. Callers that already treat
// "row exists" as success swallow it.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsUndefinedFunction reports that a server-side function is not installed.
func IsUndefinedFunction(err error) bool {
	return hasCode(err, codeUndefinedFunction)
}

// IsNoRows is the maybe-single absence case.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
