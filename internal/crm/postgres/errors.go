package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crmpipe/crmpipe/internal/crm"
)

const (
	sqlStateUniqueViolation        = "23505"
	sqlStateCheckViolation         = "23514"
	sqlStateNotNullViolation       = "23502"
	sqlStateForeignKeyViolation    = "23503"
	sqlStateInvalidTextRepr        = "22P02"
	sqlStateNumericValueOutOfRange = "22003"
	sqlStateStringDataTruncation   = "22001"
)

// mapError wraps err with op and, for deterministic data errors, with the
// matching crm sentinel. Everything else is returned as transient.
func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch pgErr.Code {
	case sqlStateForeignKeyViolation:
		return fmt.Errorf("%s: %w: %s", op, crm.ErrReferential, describe(pgErr))
	case sqlStateUniqueViolation,
		sqlStateCheckViolation,
		sqlStateNotNullViolation,
		sqlStateInvalidTextRepr,
		sqlStateNumericValueOutOfRange,
		sqlStateStringDataTruncation:
		return fmt.Errorf("%s: %w: %s", op, crm.ErrConstraintViolation, describe(pgErr))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func describe(pgErr *pgconn.PgError) string {
	if pgErr.ConstraintName != "" {
		return pgErr.ConstraintName
	}
	return pgErr.Message
}
