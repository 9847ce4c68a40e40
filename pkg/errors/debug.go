package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// LogFields flattens err for a structured log line: its code, the wrapped
// types, the failing step and, for Postgres errors, the SQLSTATE with the
// table and constraint. Empty values are left out.
func LogFields(err error) map[string]any {
	if err == nil {
		return map[string]any{}
	}
	fields := map[string]any{"error": err.Error()}

	var chain []string
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T", e))
	}
	fields["error_chain"] = chain

	if te := As(err); te != nil {
		fields["error_code"] = te.Code()
		if details, ok := te.Details().(map[string]any); ok {
			if step, ok := details["step"]; ok {
				fields["step"] = step
			}
		}
	}

	for k, v := range postgresFields(err) {
		if v != "" {
			fields[k] = v
		}
	}
	return fields
}

// Ledger writes go through pgx; lib/pq surfaces from goose and the
// database/sql paths.
func postgresFields(err error) map[string]string {
	var pgxErr *pgconn.PgError
	if stdErrors.As(err, &pgxErr) {
		return map[string]string{
			"pg_code":       pgxErr.Code,
			"pg_table":      pgxErr.TableName,
			"pg_constraint": pgxErr.ConstraintName,
			"pg_detail":     pgxErr.Detail,
		}
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return map[string]string{
			"pg_code":       string(pqErr.Code),
			"pg_table":      pqErr.Table,
			"pg_constraint": pqErr.Constraint,
			"pg_detail":     pqErr.Detail,
		}
	}
	return nil
}
