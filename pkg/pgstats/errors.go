package pgstats

import "fmt"

// ErrStatsUnavailable means planner statistics for a table are missing,
// typically because the table was never analyzed or does not exist.
type ErrStatsUnavailable struct {
	Table  string
	Reason string
}

func (e *ErrStatsUnavailable) Error() string {
	return fmt.Sprintf("statistics unavailable for table %s: %s", e.Table, e.Reason)
}

// NewErrStatsUnavailable creates a stats unavailable error.
func NewErrStatsUnavailable(table, reason string) *ErrStatsUnavailable {
	return &ErrStatsUnavailable{Table: table, Reason: reason}
}

// ErrExtensionMissing means a required PostgreSQL extension is not
// installed in the target database.
type ErrExtensionMissing struct {
	Extension string
	Hint      string
}

func (e *ErrExtensionMissing) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("extension %s is not installed: %s", e.Extension, e.Hint)
	}
	return fmt.Sprintf("extension %s is not installed", e.Extension)
}

// NewErrExtensionMissing creates an extension missing error with the
// standard install hint.
func NewErrExtensionMissing(extension string) *ErrExtensionMissing {
	return &ErrExtensionMissing{
		Extension: extension,
		Hint:      fmt.Sprintf("install it with: CREATE EXTENSION %s", extension),
	}
}

// ErrConnectionFailed means the database could not be reached.
type ErrConnectionFailed struct {
	Reason string
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("failed to connect to PostgreSQL: %s", e.Reason)
}
