// Package shared holds helpers used by more than one internal package.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// busyMarkers are the substrings modernc.org/sqlite uses for lock contention.
var busyMarkers = []string{"SQLITE_BUSY", "database is locked", "database table is locked"}

// IsSQLiteBusyError reports whether err is SQLITE_BUSY.
func IsSQLiteBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteConflictError reports whether err is any SQLite lock-contention
// error, i.e. one that is worth retrying.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range busyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
