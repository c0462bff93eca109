package eventstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownEvent reports an event name absent from the registry. Always
// wrapped with the offending name.
var ErrUnknownEvent = errors.New("unknown event name")

// VersionConflictError reports an optimistic-concurrency failure during
// commit. Expected is the version the commit tried to append; Actual is
// the stream's current length, the only valid next version.
type VersionConflictError struct {
	Stream   string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: tried to append version %d, stream is at %d",
		e.Stream, e.Expected, e.Actual)
}

const versionConflictPrefix = "VERSIONCONFLICT "

// parseCommitError maps script error replies onto typed errors. Anything
// that is not a conflict reply passes through untouched.
func parseCommitError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, versionConflictPrefix) {
		return err
	}
	parts := strings.Fields(strings.TrimPrefix(msg, versionConflictPrefix))
	if len(parts) != 3 {
		return err
	}
	expected, err1 := strconv.ParseInt(parts[1], 10, 64)
	actual, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil {
		return err
	}
	return &VersionConflictError{Stream: parts[0], Expected: expected, Actual: actual}
}
