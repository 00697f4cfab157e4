package cosmos

import (
	"errors"
	"strings"
)

var (
	// ErrQueueFull rejects new postings while the wait queue is at capacity.
	ErrQueueFull = errors.New("cosmos: posting queue full")

	// ErrCleared resolves waiters that were dropped by Clear.
	ErrCleared = errors.New("cosmos: posting cleared from queue")
)

// The RPC layer flattens chain errors into strings, so classification
// works by substring. Both tables live here and nowhere else; callers
// must not grow private copies.
var sequenceErrorMarkers = []string{
	"account sequence mismatch",
	"incorrect account sequence",
	"sequence number",
	"nonce too low",
	"sequence too low",
}

const alreadyExistsMarker = "DataRequestAlreadyExists"

// IsSequenceError reports whether err describes a Cosmos account
// sequence mismatch. A mismatch means the transaction never consumed a
// sequence number, so the coordinator keeps its counter unchanged.
func IsSequenceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range sequenceErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAlreadyExists reports whether err proves that an earlier submission
// of the same DataRequest already landed on-chain. The failed attempt
// still consumed a sequence number.
func IsAlreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), alreadyExistsMarker)
}
