// Package seda implements the client side of the SEDA oracle chain:
// key handling, transaction assembly, DataRequest submission over
// CometBFT RPC, and queries for results and signed batches.
package seda

import (
	"encoding/hex"
	"fmt"

	"cosmossdk.io/math"
)

// Hash is a 32-byte identifier (data request ids, program ids, roots).
type Hash [32]byte

// HexToHash parses a 64-character hex string, with or without 0x prefix.
func HexToHash(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	var h Hash
	if len(s) != 64 {
		return h, fmt.Errorf("seda: invalid hash length %d, want 64 hex chars", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("seda: invalid hash: %w", err)
	}
	return h, nil
}

// Hex returns the unprefixed lowercase hex representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// RequestFees is the fee triple attached to a DataRequest. Amounts are
// u256 values in aseda.
type RequestFees struct {
	RequestFee math.Int
	ResultFee  math.Int
	BatchFee   math.Int
}

// Total returns the sum of the three fees.
func (f RequestFees) Total() math.Int {
	total := math.ZeroInt()
	for _, fee := range []math.Int{f.RequestFee, f.ResultFee, f.BatchFee} {
		if !fee.IsNil() {
			total = total.Add(fee)
		}
	}
	return total
}

// DataRequest is one unit of oracle work. Field values are carried
// verbatim from configuration; Memo is stamped per attempt before
// submission.
type DataRequest struct {
	Version           string
	ExecProgramID     Hash
	ExecInputs        []byte
	ExecGasLimit      uint64
	TallyProgramID    Hash
	TallyInputs       []byte
	TallyGasLimit     uint64
	ReplicationFactor uint16
	ConsensusFilter   []byte
	GasPrice          math.Int // u128, aseda per gas unit
	Memo              []byte
	PaybackAddress    []byte
	Fees              RequestFees
}

// PostedDataRequest describes an accepted submission.
type PostedDataRequest struct {
	ID          Hash
	TxHash      string
	BlockHeight uint64
}

// DataResult is the oracle's finalized answer to a DataRequest.
type DataResult struct {
	ID              Hash
	Version         string
	Consensus       bool
	ExitCode        uint8
	Result          []byte
	BlockHeight     uint64
	BlockTimestamp  uint64
	GasUsed         math.Int
	PaybackAddress  []byte
	SedaPayload     []byte
	BatchAssignment uint64
}

// BatchSignature is one validator's attestation inside a signed batch,
// joined with that validator's tree entry (voting power, ETH identity,
// membership proof).
type BatchSignature struct {
	ValidatorAddress   []byte
	EthAddress         []byte // 20 bytes, as registered on the prover
	PublicKey          []byte // 33-byte compressed secp256k1
	VotingPowerPercent uint32 // out of 100_000_000
	Signature          []byte // 65-byte [R || S || V]
	MerkleProof        [][]byte
}

// SignedBatch is a validator-set-signed checkpoint of finalized results.
type SignedBatch struct {
	BatchNumber    uint64
	BlockHeight    uint64
	BatchID        []byte
	DataResultRoot []byte
	ValidatorRoot  []byte
	Signatures     []BatchSignature
}
