package projection

import (
	"fmt"
	"strconv"
	"strings"
)

// ConflictError reports a projection version mismatch. Expected is the
// version the transaction was opened with; Actual is the stored version,
// -1 when the aggregate was never projected.
type ConflictError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("projection conflict on %s: expected version %d, found %d",
		e.Key, e.Expected, e.Actual)
}

const conflictPrefix = "PROJECTIONCONFLICT "

func parseConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, conflictPrefix) {
		return err
	}
	parts := strings.Fields(strings.TrimPrefix(msg, conflictPrefix))
	if len(parts) != 3 {
		return err
	}
	expected, err1 := strconv.ParseInt(parts[1], 10, 64)
	actual, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return err
	}
	return &ConflictError{Key: parts[0], Expected: expected, Actual: actual}
}
