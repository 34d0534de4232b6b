package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies storage failures so callers can decide whether a
// failure is worth retrying.
type ErrorKind string

const (
	// KindCorrupt covers malformed database files and schema mismatches.
	KindCorrupt ErrorKind = "corrupt"
	// KindLockTimeout covers writers that could not acquire the database
	// lock within the busy timeout.
	KindLockTimeout ErrorKind = "lock_timeout"
	// KindConstraintViolation covers constraint failures. On upsert this
	// indicates a transform bug and is fatal for that record only.
	KindConstraintViolation ErrorKind = "constraint_violation"
	// KindOther is everything else.
	KindOther ErrorKind = "other"
)

// StorageError wraps a database error with its classification.
type StorageError struct {
	Kind ErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// classify wraps err into a StorageError with a best-effort kind. The
// modernc driver surfaces SQLite result codes in the error text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	msg := strings.ToLower(err.Error())
	kind := KindOther
	switch {
	case strings.Contains(msg, "constraint"):
		kind = KindConstraintViolation
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		kind = KindLockTimeout
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"):
		kind = KindCorrupt
	}
	return &StorageError{Kind: kind, Err: err}
}

// IsConstraintViolation reports whether err is a constraint failure.
func IsConstraintViolation(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindConstraintViolation
}
