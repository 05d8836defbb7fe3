package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Storage errors are reported as sentinels so the HTTP layer can map them
// to statuses without seeing raw driver errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrForeignKey = errors.New("related entity does not exist")
	ErrDuplicate  = errors.New("already exists")
)

// translateConstraint turns SQLite integrity violations into domain-level
// errors. Anything else passes through unchanged.
func translateConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintForeignKey:
		return ErrForeignKey
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return ErrDuplicate
	}
	return err
}
