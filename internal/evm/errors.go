package evm

import (
	"errors"
	"strings"
)

var (
	// ErrConsensusNotReached means the signature set assembled for a
	// batch carries less than two thirds of voting power, or the prover
	// contract rejected the batch for the same reason.
	ErrConsensusNotReached = errors.New("evm: batch consensus not reached")

	// ErrContractPaused halts all writes to a destination until the
	// pause watcher observes the contract unpaused.
	ErrContractPaused = errors.New("evm: contract paused")

	// ErrTooManyPending rejects nonce reservations once an account has
	// the maximum number of unconfirmed transactions in flight.
	ErrTooManyPending = errors.New("evm: too many pending transactions")

	// ErrNoSigner means a destination was configured without a private
	// key; writes are impossible.
	ErrNoSigner = errors.New("evm: signer key missing")
)

// Contract errors come back from RPC nodes as flattened strings naming
// the ABI error item. The classification table lives here and nowhere
// else.
const (
	consensusNotReachedMarker    = "ConsensusNotReached"
	batchAlreadyExistsMarker     = "BatchAlreadyExists"
	enforcedPauseMarker          = "EnforcedPause"
	invalidResultTimestampMarker = "InvalidResultTimestamp"
	resultAlreadyExistsMarker    = "ResultAlreadyExists"
)

var nonceErrorMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
	"invalid nonce",
}

func matches(err error, marker string) bool {
	return err != nil && strings.Contains(err.Error(), marker)
}

// IsConsensusNotReached reports whether the prover rejected a batch for
// insufficient voting power. Recovery is to post an intermediate batch.
func IsConsensusNotReached(err error) bool {
	return errors.Is(err, ErrConsensusNotReached) || matches(err, consensusNotReachedMarker)
}

// IsBatchAlreadyExists reports that the batch is on-chain already, a
// success as far as the queue is concerned.
func IsBatchAlreadyExists(err error) bool {
	return matches(err, batchAlreadyExistsMarker)
}

// IsPaused reports whether the destination contract is paused.
func IsPaused(err error) bool {
	return errors.Is(err, ErrContractPaused) || matches(err, enforcedPauseMarker)
}

// IsInvalidResultTimestamp reports a terminal result rejection; the
// result can never land on this destination.
func IsInvalidResultTimestamp(err error) bool {
	return matches(err, invalidResultTimestampMarker)
}

// IsResultAlreadyExists reports that the result is on-chain already.
func IsResultAlreadyExists(err error) bool {
	return matches(err, resultAlreadyExistsMarker)
}

// IsNonceError reports whether a write failed over nonce state rather
// than contract logic. The caller recovers through the nonce
// coordinator and retries.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range nonceErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
