// Package taskid issues monotonic task identifiers. IDs generated within
// the same millisecond still sort in generation order, which keeps task
// logs and registry listings chronological.
package taskid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// New generates the next task id.
func New() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return "task-" + id.String()
}

// IsValid reports whether s is an id produced by New.
func IsValid(s string) bool {
	if len(s) < 6 || s[:5] != "task-" {
		return false
	}
	_, err := ulid.Parse(s[5:])
	return err == nil
}

// Time extracts the creation timestamp from a task id.
func Time(s string) (time.Time, error) {
	id, err := ulid.Parse(s[min(len(s), 5):])
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
