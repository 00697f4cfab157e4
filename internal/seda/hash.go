package seda

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// keccak256 is the hash the chain uses for content addressing.
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// ComputeID derives the content-addressed request id. The layout mirrors
// the chain's canonical encoding: variable-length fields are hashed
// individually, fixed-width integers are big-endian, and the
// concatenation is hashed once more.
//
//	keccak( keccak(version) || exec_program_id || keccak(exec_inputs) ||
//	        be8(exec_gas_limit) || tally_program_id || keccak(tally_inputs) ||
//	        be8(tally_gas_limit) || be2(replication_factor) ||
//	        keccak(consensus_filter) || be16(gas_price) || keccak(memo) )
//
// Two requests differing only in memo therefore hash to distinct ids,
// which is what the per-attempt memo stamping relies on.
func (dr *DataRequest) ComputeID() Hash {
	var execGas, tallyGas [8]byte
	binary.BigEndian.PutUint64(execGas[:], dr.ExecGasLimit)
	binary.BigEndian.PutUint64(tallyGas[:], dr.TallyGasLimit)

	var replication [2]byte
	binary.BigEndian.PutUint16(replication[:], dr.ReplicationFactor)

	gasPrice := make([]byte, 16)
	if !dr.GasPrice.IsNil() {
		dr.GasPrice.BigInt().FillBytes(gasPrice)
	}

	sum := keccak256(
		keccak256([]byte(dr.Version)),
		dr.ExecProgramID[:],
		keccak256(dr.ExecInputs),
		execGas[:],
		dr.TallyProgramID[:],
		keccak256(dr.TallyInputs),
		tallyGas[:],
		replication[:],
		keccak256(dr.ConsensusFilter),
		gasPrice,
		keccak256(dr.Memo),
	)

	var id Hash
	copy(id[:], sum)
	return id
}
