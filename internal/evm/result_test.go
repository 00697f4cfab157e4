package evm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

func testResult() *seda.DataResult {
	var id seda.Hash
	id[0], id[31] = 0xd4, 0x01
	return &seda.DataResult{
		ID:              id,
		Version:         "0.0.1",
		Consensus:       true,
		ExitCode:        0,
		Result:          []byte(`{"price":"42000.50"}`),
		BlockHeight:     12345,
		BlockTimestamp:  1_700_000_100,
		GasUsed:         math.NewInt(123456),
		BatchAssignment: 91,
	}
}

func testProof() [][]byte {
	return [][]byte{
		bytes.Repeat([]byte{0x11}, 32),
		bytes.Repeat([]byte{0x22}, 32),
	}
}

func newResultFixture(t *testing.T, chain *fakeChain, cfg ResultConfig) (*ResultPoster, *PauseState) {
	t.Helper()
	nonces := NewNonceCoordinator(NonceConfig{}, nil)
	nonces.Register(chain.name, &fakeNonceReader{})
	pause := &PauseState{}
	return NewResultPoster(chain, nonces, pause, cfg, nil), pause
}

func TestResultPost_HappyPath(t *testing.T) {
	chain := newFakeChain("base")
	poster, _ := newResultFixture(t, chain, ResultConfig{})

	hash, err := poster.Post(context.Background(), testResult(), testProof())
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	broadcasts := chain.broadcasts()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, testCore, broadcasts[0].To)
	assert.NotEmpty(t, broadcasts[0].Data)
}

func TestResultPost_SkipsWhenAlreadyOnChain(t *testing.T) {
	chain := newFakeChain("base")
	chain.hasResultFn = func([32]byte) (bool, error) { return true, nil }
	poster, _ := newResultFixture(t, chain, ResultConfig{})

	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.ErrorIs(t, err, ErrResultAlreadyExists)
	assert.Empty(t, chain.broadcasts())
}

func TestResultPost_HasResultErrorIsNotTrusted(t *testing.T) {
	chain := newFakeChain("base")
	chain.hasResultFn = func([32]byte) (bool, error) { return false, errors.New("rpc flake") }
	poster, _ := newResultFixture(t, chain, ResultConfig{})

	// A failed duplicate check proves nothing; the post proceeds.
	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.NoError(t, err)
	assert.Len(t, chain.broadcasts(), 1)
}

func TestResultPost_AlreadyExistsOnReceipt(t *testing.T) {
	chain := newFakeChain("base")
	chain.receiptFn = func(TxRequest) (*types.Receipt, error) {
		return nil, errors.New("evm: call postResult reverted: ResultAlreadyExists()")
	}
	poster, _ := newResultFixture(t, chain, ResultConfig{})

	hash, err := poster.Post(context.Background(), testResult(), testProof())
	require.ErrorIs(t, err, ErrResultAlreadyExists)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Len(t, chain.broadcasts(), 1, "already-exists is terminal, no retries")
}

func TestResultPost_InvalidTimestampIsTerminal(t *testing.T) {
	chain := newFakeChain("base")
	chain.receiptFn = func(TxRequest) (*types.Receipt, error) {
		return nil, errors.New("evm: call postResult reverted: InvalidResultTimestamp()")
	}
	poster, _ := newResultFixture(t, chain, ResultConfig{MaxRetries: 3, RetryDelay: time.Millisecond})

	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected permanently")
	assert.Len(t, chain.broadcasts(), 1)
}

func TestResultPost_RetriesThenDrops(t *testing.T) {
	chain := newFakeChain("base")
	chain.receiptFn = func(TxRequest) (*types.Receipt, error) {
		return nil, errors.New("evm: call postResult reverted: InvalidSignature()")
	}
	poster, _ := newResultFixture(t, chain, ResultConfig{MaxRetries: 1, RetryDelay: time.Millisecond})

	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropped after 2 attempts")
	assert.Len(t, chain.broadcasts(), 2)
}

func TestResultPost_PausedFlagShortCircuits(t *testing.T) {
	chain := newFakeChain("base")
	poster, pause := newResultFixture(t, chain, ResultConfig{})
	pause.Pause()

	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.ErrorIs(t, err, ErrContractPaused)
	assert.Empty(t, chain.broadcasts())
}

func TestResultPost_PausesOnEnforcedPause(t *testing.T) {
	chain := newFakeChain("base")
	chain.receiptFn = func(TxRequest) (*types.Receipt, error) {
		return nil, errors.New("evm: call postResult reverted: EnforcedPause()")
	}
	poster, pause := newResultFixture(t, chain, ResultConfig{})

	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.ErrorIs(t, err, ErrContractPaused)
	assert.True(t, pause.Paused())
	assert.Len(t, chain.broadcasts(), 1)
}

func TestResultPost_NoSigner(t *testing.T) {
	chain := newFakeChain("base")
	chain.account = common.Address{}
	poster, _ := newResultFixture(t, chain, ResultConfig{})

	_, err := poster.Post(context.Background(), testResult(), testProof())
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestResultPost_RejectsMalformedProof(t *testing.T) {
	chain := newFakeChain("base")
	poster, _ := newResultFixture(t, chain, ResultConfig{})

	_, err := poster.Post(context.Background(), testResult(), [][]byte{{0x01, 0x02}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 32")
	assert.Empty(t, chain.broadcasts())
}
