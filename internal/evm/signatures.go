package evm

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// Voting power is expressed in hundred-millionths. A batch needs two
// thirds of total power to be accepted by the prover.
const (
	totalVotingPower    = 100_000_000
	consensusPercentage = 66_666_666
)

// batchSubmission is the argument set for one postBatch call:
// signatures and proofs in matching order, sorted by signer address as
// the prover requires.
type batchSubmission struct {
	signatures [][]byte
	proofs     []ValidatorProof
	power      uint64
}

// buildSubmission joins the batch being posted against the validator
// set the prover currently trusts. known is the signed batch at the
// contract's present height; its entries carry the powers and merkle
// proofs that verify against the stored validator root. nil means the
// contract is at genesis and the new batch vouches for itself.
//
// A validator is dropped when it did not sign the new batch, or when
// the address derived from its new public key no longer matches the
// trusted entry (key rotation; the contract would reject the
// signature). The kept set must still clear two thirds of voting power
// or the whole submission is rejected before any RPC write.
func buildSubmission(newBatch, known *seda.SignedBatch) (*batchSubmission, error) {
	trusted := newBatch.Signatures
	if known != nil {
		trusted = known.Signatures
	}

	signed := make(map[string]seda.BatchSignature, len(newBatch.Signatures))
	for _, sig := range newBatch.Signatures {
		signed[string(sig.ValidatorAddress)] = sig
	}

	sub := &batchSubmission{}
	for _, entry := range trusted {
		sig, ok := signed[string(entry.ValidatorAddress)]
		if !ok {
			continue
		}
		signer, err := ethAddressFromPubKey(sig.PublicKey)
		if err != nil {
			continue
		}
		if signer != common.BytesToAddress(entry.EthAddress) {
			continue
		}

		proof, err := proofSlots(entry.MerkleProof)
		if err != nil {
			return nil, err
		}
		sub.signatures = append(sub.signatures, sig.Signature)
		sub.proofs = append(sub.proofs, ValidatorProof{
			VotingPower: entry.VotingPowerPercent,
			Signer:      signer,
			MerkleProof: proof,
		})
		sub.power += uint64(entry.VotingPowerPercent)
	}

	if sub.power < consensusPercentage {
		return nil, fmt.Errorf("%w: %d of %d voting power signed", ErrConsensusNotReached, sub.power, totalVotingPower)
	}

	sub.sortBySigner()
	return sub, nil
}

// sortBySigner orders signatures and proofs together by ascending
// signer address, the order the prover contract validates in.
func (s *batchSubmission) sortBySigner() {
	order := make([]int, len(s.proofs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return bytes.Compare(s.proofs[order[a]].Signer.Bytes(), s.proofs[order[b]].Signer.Bytes()) < 0
	})

	sigs := make([][]byte, len(order))
	proofs := make([]ValidatorProof, len(order))
	for i, idx := range order {
		sigs[i] = s.signatures[idx]
		proofs[i] = s.proofs[idx]
	}
	s.signatures = sigs
	s.proofs = proofs
}

// ethAddressFromPubKey derives the Ethereum address of a compressed
// secp256k1 public key.
func ethAddressFromPubKey(compressed []byte) (common.Address, error) {
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return common.Address{}, fmt.Errorf("evm: parse validator pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub.ToECDSA()), nil
}
