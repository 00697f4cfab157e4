package evm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// classifiers drive which recovery path a failed write takes, so every
// marker the destination contracts can emit gets a row here.
func TestErrorClassification(t *testing.T) {
	classifiers := map[string]func(error) bool{
		"consensus": IsConsensusNotReached,
		"batch":     IsBatchAlreadyExists,
		"paused":    IsPaused,
		"timestamp": IsInvalidResultTimestamp,
		"result":    IsResultAlreadyExists,
		"nonce":     IsNonceError,
	}

	tests := []struct {
		name string
		err  error
		want string // the single classifier expected to fire, "" for none
	}{
		{"nil", nil, ""},
		{"consensus revert", errors.New("execution reverted: ConsensusNotReached()"), "consensus"},
		{"consensus sentinel", ErrConsensusNotReached, "consensus"},
		{"consensus wrapped", fmt.Errorf("post batch 42: %w", ErrConsensusNotReached), "consensus"},
		{"batch exists", errors.New("execution reverted: BatchAlreadyExists(100)"), "batch"},
		{"enforced pause", errors.New("execution reverted: EnforcedPause()"), "paused"},
		{"pause sentinel", ErrContractPaused, "paused"},
		{"invalid timestamp", errors.New("execution reverted: InvalidResultTimestamp()"), "timestamp"},
		{"result exists", errors.New("execution reverted: ResultAlreadyExists(0xd4f1...)"), "result"},
		{"nonce too low", errors.New("nonce too low"), "nonce"},
		{"nonce too high", errors.New("nonce too high: got 44, expected 42"), "nonce"},
		{"underpriced replacement", errors.New("replacement transaction underpriced"), "nonce"},
		{"already known", errors.New("already known"), "nonce"},
		{"invalid nonce", errors.New("invalid nonce"), "nonce"},
		{"unrelated revert", errors.New("execution reverted: InvalidValidatorProof()"), ""},
		{"transport", errors.New("connection refused"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for label, classify := range classifiers {
				assert.Equal(t, tt.want == label, classify(tt.err),
					"classifier %s on %v", label, tt.err)
			}
		})
	}
}
