package cosmos

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSequenceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"mismatch", errors.New("account sequence mismatch, expected 4, got 3"), true},
		{"incorrect", errors.New("incorrect account sequence"), true},
		{"generic sequence number", errors.New("invalid sequence number 12"), true},
		{"nonce too low", errors.New("nonce too low"), true},
		{"sequence too low", errors.New("sequence too low"), true},
		{"wrapped", fmt.Errorf("seda: broadcast rejected (code 32): %w",
			errors.New("account sequence mismatch, expected 9, got 8")), true},
		{"out of gas", errors.New("out of gas in location: wasm contract"), false},
		{"already exists", errors.New("DataRequestAlreadyExists"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSequenceError(tt.err))
		})
	}
}

func TestIsAlreadyExists(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bare", errors.New("DataRequestAlreadyExists"), true},
		{"embedded", errors.New("failed to execute message; message index: 0: DataRequestAlreadyExists: d4f1..."), true},
		{"wrapped", fmt.Errorf("seda: tx failed on-chain (code 5): %w",
			errors.New("DataRequestAlreadyExists")), true},
		{"sequence mismatch", errors.New("account sequence mismatch"), false},
		{"other contract error", errors.New("RevealNotStarted"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAlreadyExists(tt.err))
		})
	}
}
