// Package v1 provides the session lifecycle business logic for API version 1.
//
// Error Handling:
// Resolution misses, malformed identifiers and duplicate-key races are not
// errors: they resolve to "no session" or are retried as reads. Two failures
// reach the caller and must be reported as server errors:
//
//	switch {
//	case errors.Is(err, logicv1.ErrSessionOverflow):
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Session data too large"})
//	case errors.Is(err, logicv1.ErrSessionCorrupt):
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "Session data unreadable"})
//	}
package v1

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionOverflow indicates the encoded payload does not fit the data column.
	// Nothing was written. HTTP Status: 500
	ErrSessionOverflow = errors.New("session data too large")

	// ErrSessionCorrupt indicates a stored payload could not be decoded.
	// HTTP Status: 500
	ErrSessionCorrupt = errors.New("session data corrupt")
)

// OverflowError reports an encoded payload larger than the storage limit.
// It matches ErrSessionOverflow with errors.Is.
type OverflowError struct {
	// Size and Limit are character counts.
	Size  int
	Limit int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: %d characters exceeds limit of %d", ErrSessionOverflow, e.Size, e.Limit)
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrSessionOverflow
}
