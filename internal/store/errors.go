package store

import (
	"context"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/cairn/internal/ir"
)

// classify maps driver errors onto the shared error codes. Busy and locked
// databases are transient; everything else passes through wrapped by the
// caller.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ir.NewTransientIO(op+": database busy", err)
		case sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrCantOpen:
			return ir.NewTransientIO(op+": storage unavailable", err)
		}
	}
	return err
}

// isVersionRace reports whether err is the unique (aggregate_id,
// aggregate_version) violation raised when two appends race past the version
// check.
func isVersionRace(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(se.Error(), "events.aggregate_version")
}

// isEventIDRace reports a unique violation on events.event_id.
func isEventIDRace(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(se.Error(), "events.event_id")
}
