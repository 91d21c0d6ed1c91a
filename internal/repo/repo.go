// Package repo is the Store. Every business package (ledger, bounty,
// milestone, specloop, competition, reconciler) is constructed with a Repo
// and never opens its own connection or writes its own query; outside this
// package only the events audit writer and the migration runner issue SQL.
package repo

import (
	"database/sql"

	"saltdig/internal/saltdigerr"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is re-exported for callers that still match on the repo
// package directly; saltdigerr.ErrNotFound is the same value.
var ErrNotFound = saltdigerr.ErrNotFound

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func scanNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func scanNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func scanNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
