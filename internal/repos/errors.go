package repos

import (
	"errors"
	"strings"
)

var (
	// ErrStoreBusy surfaces sqlite lock contention after the busy timeout
	// elapses. Callers retry with backoff.
	ErrStoreBusy = errors.New("store busy")

	ErrNotFound = errors.New("not found")
)

// mapStoreErr normalizes driver-level contention errors so callers can
// errors.Is against ErrStoreBusy.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "sqlite_busy") {
		return ErrStoreBusy
	}
	return err
}
