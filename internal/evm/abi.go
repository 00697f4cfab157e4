package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// ABI fragments for the SEDA destination contracts. Layouts mirror the
// deployed Solidity interfaces; the tuple component names below are
// load-bearing because argument packing resolves struct fields by them.
const (
	coreABIJSON = `[
		{"type":"function","name":"postRequest","stateMutability":"payable","inputs":[
			{"name":"inputs","type":"tuple","components":[
				{"name":"version","type":"string"},
				{"name":"execProgramId","type":"bytes32"},
				{"name":"execInputs","type":"bytes"},
				{"name":"execGasLimit","type":"uint64"},
				{"name":"tallyProgramId","type":"bytes32"},
				{"name":"tallyInputs","type":"bytes"},
				{"name":"tallyGasLimit","type":"uint64"},
				{"name":"replicationFactor","type":"uint16"},
				{"name":"consensusFilter","type":"bytes"},
				{"name":"gasPrice","type":"uint128"},
				{"name":"memo","type":"bytes"}
			]}
		],"outputs":[{"name":"","type":"bytes32"}]},
		{"type":"function","name":"postResult","stateMutability":"nonpayable","inputs":[
			{"name":"result","type":"tuple","components":[
				{"name":"version","type":"string"},
				{"name":"drId","type":"bytes32"},
				{"name":"consensus","type":"bool"},
				{"name":"exitCode","type":"uint8"},
				{"name":"result","type":"bytes"},
				{"name":"blockHeight","type":"uint64"},
				{"name":"blockTimestamp","type":"uint64"},
				{"name":"gasUsed","type":"uint128"},
				{"name":"paybackAddress","type":"bytes"},
				{"name":"sedaPayload","type":"bytes"}
			]},
			{"name":"batchHeight","type":"uint64"},
			{"name":"proof","type":"bytes32[]"}
		],"outputs":[{"name":"","type":"bytes32"}]},
		{"type":"function","name":"getResult","stateMutability":"view","inputs":[
			{"name":"requestId","type":"bytes32"}
		],"outputs":[
			{"name":"","type":"tuple","components":[
				{"name":"version","type":"string"},
				{"name":"drId","type":"bytes32"},
				{"name":"consensus","type":"bool"},
				{"name":"exitCode","type":"uint8"},
				{"name":"result","type":"bytes"},
				{"name":"blockHeight","type":"uint64"},
				{"name":"blockTimestamp","type":"uint64"},
				{"name":"gasUsed","type":"uint128"},
				{"name":"paybackAddress","type":"bytes"},
				{"name":"sedaPayload","type":"bytes"}
			]}
		]},
		{"type":"function","name":"hasResult","stateMutability":"view","inputs":[
			{"name":"requestId","type":"bytes32"}
		],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"getSedaProver","stateMutability":"view","inputs":[],
			"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"getPendingRequests","stateMutability":"view","inputs":[
			{"name":"offset","type":"uint256"},
			{"name":"limit","type":"uint256"}
		],"outputs":[
			{"name":"","type":"tuple[]","components":[
				{"name":"id","type":"bytes32"},
				{"name":"request","type":"tuple","components":[
					{"name":"version","type":"string"},
					{"name":"execProgramId","type":"bytes32"},
					{"name":"execInputs","type":"bytes"},
					{"name":"execGasLimit","type":"uint64"},
					{"name":"tallyProgramId","type":"bytes32"},
					{"name":"tallyInputs","type":"bytes"},
					{"name":"tallyGasLimit","type":"uint64"},
					{"name":"replicationFactor","type":"uint16"},
					{"name":"consensusFilter","type":"bytes"},
					{"name":"gasPrice","type":"uint128"},
					{"name":"memo","type":"bytes"}
				]},
				{"name":"requestor","type":"address"},
				{"name":"timestamp","type":"uint256"},
				{"name":"requestFee","type":"uint256"},
				{"name":"resultFee","type":"uint256"},
				{"name":"batchFee","type":"uint256"}
			]}
		]},
		{"type":"error","name":"ResultAlreadyExists","inputs":[{"name":"requestId","type":"bytes32"}]},
		{"type":"error","name":"InvalidResultTimestamp","inputs":[{"name":"requestId","type":"bytes32"}]}
	]`

	proverABIJSON = `[
		{"type":"function","name":"postBatch","stateMutability":"nonpayable","inputs":[
			{"name":"newBatch","type":"tuple","components":[
				{"name":"batchHeight","type":"uint64"},
				{"name":"blockHeight","type":"uint64"},
				{"name":"validatorsRoot","type":"bytes32"},
				{"name":"resultsRoot","type":"bytes32"},
				{"name":"provingMetadata","type":"bytes32"}
			]},
			{"name":"signatures","type":"bytes[]"},
			{"name":"validatorProofs","type":"tuple[]","components":[
				{"name":"votingPower","type":"uint32"},
				{"name":"signer","type":"address"},
				{"name":"merkleProof","type":"bytes32[]"}
			]}
		],"outputs":[]},
		{"type":"function","name":"getLastBatchHeight","stateMutability":"view","inputs":[],
			"outputs":[{"name":"","type":"uint64"}]},
		{"type":"function","name":"getFeeManager","stateMutability":"view","inputs":[],
			"outputs":[{"name":"","type":"address"}]},
		{"type":"function","name":"paused","stateMutability":"view","inputs":[],
			"outputs":[{"name":"","type":"bool"}]},
		{"type":"error","name":"ConsensusNotReached","inputs":[]},
		{"type":"error","name":"BatchAlreadyExists","inputs":[{"name":"batchHeight","type":"uint64"}]},
		{"type":"error","name":"EnforcedPause","inputs":[]},
		{"type":"error","name":"InvalidSignature","inputs":[]},
		{"type":"error","name":"InvalidValidatorProof","inputs":[]}
	]`

	feeManagerABIJSON = `[
		{"type":"function","name":"withdrawFees","stateMutability":"nonpayable","inputs":[],"outputs":[]},
		{"type":"function","name":"getPendingFees","stateMutability":"view","inputs":[
			{"name":"account","type":"address"}
		],"outputs":[{"name":"","type":"uint256"}]}
	]`
)

var (
	coreABI       = mustParseABI(coreABIJSON)
	proverABI     = mustParseABI(proverABIJSON)
	feeManagerABI = mustParseABI(feeManagerABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: bad abi definition: %v", err))
	}
	return parsed
}

// SedaResult is the postResult tuple.
type SedaResult struct {
	Version        string   `abi:"version"`
	DrID           [32]byte `abi:"drId"`
	Consensus      bool     `abi:"consensus"`
	ExitCode       uint8    `abi:"exitCode"`
	Result         []byte   `abi:"result"`
	BlockHeight    uint64   `abi:"blockHeight"`
	BlockTimestamp uint64   `abi:"blockTimestamp"`
	GasUsed        *big.Int `abi:"gasUsed"`
	PaybackAddress []byte   `abi:"paybackAddress"`
	SedaPayload    []byte   `abi:"sedaPayload"`
}

// EvmBatch is the postBatch tuple. ProvingMetadata is reserved and
// always all-zero today.
type EvmBatch struct {
	BatchHeight     uint64   `abi:"batchHeight"`
	BlockHeight     uint64   `abi:"blockHeight"`
	ValidatorsRoot  [32]byte `abi:"validatorsRoot"`
	ResultsRoot     [32]byte `abi:"resultsRoot"`
	ProvingMetadata [32]byte `abi:"provingMetadata"`
}

// ValidatorProof locates one signer inside the validator tree the
// prover contract currently trusts.
type ValidatorProof struct {
	VotingPower uint32         `abi:"votingPower"`
	Signer      common.Address `abi:"signer"`
	MerkleProof [][32]byte     `abi:"merkleProof"`
}

// NewSedaResult converts an oracle result into its contract form.
func NewSedaResult(result *seda.DataResult) SedaResult {
	gasUsed := new(big.Int)
	if !result.GasUsed.IsNil() {
		gasUsed = result.GasUsed.BigInt()
	}
	payback := result.PaybackAddress
	if payback == nil {
		payback = []byte{}
	}
	payload := result.SedaPayload
	if payload == nil {
		payload = []byte{}
	}
	body := result.Result
	if body == nil {
		body = []byte{}
	}
	return SedaResult{
		Version:        result.Version,
		DrID:           result.ID,
		Consensus:      result.Consensus,
		ExitCode:       result.ExitCode,
		Result:         body,
		BlockHeight:    result.BlockHeight,
		BlockTimestamp: result.BlockTimestamp,
		GasUsed:        gasUsed,
		PaybackAddress: payback,
		SedaPayload:    payload,
	}
}

// NewEvmBatch converts a signed SEDA batch into its contract form.
func NewEvmBatch(batch *seda.SignedBatch) (EvmBatch, error) {
	out := EvmBatch{
		BatchHeight: batch.BatchNumber,
		BlockHeight: batch.BlockHeight,
	}
	if len(batch.ValidatorRoot) != 32 {
		return out, fmt.Errorf("evm: validator root is %d bytes, want 32", len(batch.ValidatorRoot))
	}
	if len(batch.DataResultRoot) != 32 {
		return out, fmt.Errorf("evm: results root is %d bytes, want 32", len(batch.DataResultRoot))
	}
	copy(out.ValidatorsRoot[:], batch.ValidatorRoot)
	copy(out.ResultsRoot[:], batch.DataResultRoot)
	return out, nil
}

// proofSlots converts raw 32-byte proof nodes into the ABI's fixed
// width array form.
func proofSlots(proof [][]byte) ([][32]byte, error) {
	out := make([][32]byte, len(proof))
	for i, node := range proof {
		if len(node) != 32 {
			return nil, fmt.Errorf("evm: proof node %d is %d bytes, want 32", i, len(node))
		}
		copy(out[i][:], node)
	}
	return out, nil
}
