// Package shared holds small cross-cutting helpers.
package shared

import "strings"

// busyMarkers are the substrings modernc.org/sqlite puts in errors raised by
// concurrent writers. The driver exposes no typed error for these, so string
// matching is the only classification available.
var busyMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
}

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY error from a
// concurrent writer holding the database lock.
func IsSQLiteBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is any SQLite concurrency
// conflict worth retrying.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range busyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
