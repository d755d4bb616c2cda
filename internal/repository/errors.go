// Package repository holds the errors shared by every storage adapter.
package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is a unique-key clash or a lost compare-and-set.
	ErrConflict = errors.New("conflict")
	// ErrConstraint is a row that would break a table CHECK.
	ErrConstraint = errors.New("constraint violation")
)
