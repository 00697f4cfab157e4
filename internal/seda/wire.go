package seda

import (
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wasm and batching frames this client exchanges are small and their
// schemas stable, so they are framed by hand with protowire instead of
// depending on the chains' generated code.

const (
	msgExecuteContractTypeURL = "/cosmwasm.wasm.v1.MsgExecuteContract"
	smartContractStatePath    = "/cosmwasm.wasm.v1.Query/SmartContractState"
	accountQueryPath          = "/cosmos.auth.v1beta1.Query/Account"
	batchQueryPath            = "/sedachain.batching.v1.Query/Batch"
	resultProofQueryPath      = "/sedachain.batching.v1.Query/ResultProof"
)

// coin mirrors cosmos.base.v1beta1.Coin on the wire.
type coin struct {
	denom  string
	amount string
}

type fieldValue struct {
	bytes  []byte
	varint uint64
}

// walkFields iterates the top-level fields of one protobuf message,
// invoking visit for every varint and length-delimited field.
func walkFields(b []byte, visit func(num protowire.Number, val fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := visit(num, fieldValue{varint: v}); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := visit(num, fieldValue{bytes: v}); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		default:
			return fmt.Errorf("seda: unsupported wire type %d", typ)
		}
	}
	return nil
}

// encodeMsgExecuteContract frames cosmwasm.wasm.v1.MsgExecuteContract:
// sender=1, contract=2, msg=3, funds=5 (repeated Coin{denom=1, amount=2}).
func encodeMsgExecuteContract(sender, contract string, msg []byte, funds []coin) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, sender)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, contract)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	for _, c := range funds {
		cb := protowire.AppendTag(nil, 1, protowire.BytesType)
		cb = protowire.AppendString(cb, c.denom)
		cb = protowire.AppendTag(cb, 2, protowire.BytesType)
		cb = protowire.AppendString(cb, c.amount)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	return b
}

// encodeSmartQueryRequest frames QuerySmartContractStateRequest:
// address=1, query_data=2.
func encodeSmartQueryRequest(contract string, query []byte) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, contract)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, query)
	return b
}

// decodeSmartQueryResponse unwraps QuerySmartContractStateResponse,
// returning the contract's raw JSON reply (data=1).
func decodeSmartQueryResponse(b []byte) ([]byte, error) {
	var data []byte
	err := walkFields(b, func(num protowire.Number, val fieldValue) error {
		if num == 1 {
			data = append([]byte(nil), val.bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seda: smart query response: %w", err)
	}
	return data, nil
}

// encodeBatchRequest frames sedachain.batching.v1.QueryBatchRequest:
// batch_number=1, latest_signed=2.
func encodeBatchRequest(batchNumber uint64, latestSigned bool) []byte {
	var b []byte
	if batchNumber > 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, batchNumber)
	}
	if latestSigned {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// decodeBatchResponse unwraps QueryBatchResponse: batch=1,
// batch_signatures=2 (repeated), validator_entries=3 (repeated).
// Signatures are joined to their validator tree entries by validator
// address; signatures without a matching entry are dropped.
func decodeBatchResponse(b []byte) (*SignedBatch, error) {
	batch := &SignedBatch{}

	type sigEntry struct {
		validator []byte
		signature []byte
	}
	type treeEntry struct {
		ethAddress []byte
		publicKey  []byte
		power      uint32
		proof      [][]byte
	}

	var sigs []sigEntry
	entries := make(map[string]treeEntry)

	err := walkFields(b, func(num protowire.Number, val fieldValue) error {
		switch num {
		case 1:
			return walkFields(val.bytes, func(n protowire.Number, v fieldValue) error {
				switch n {
				case 1:
					batch.BatchNumber = v.varint
				case 2:
					batch.BlockHeight = v.varint
				case 3:
					batch.DataResultRoot = append([]byte(nil), v.bytes...)
				case 4:
					batch.ValidatorRoot = append([]byte(nil), v.bytes...)
				case 5:
					batch.BatchID = append([]byte(nil), v.bytes...)
				}
				return nil
			})
		case 2:
			var e sigEntry
			if err := walkFields(val.bytes, func(n protowire.Number, v fieldValue) error {
				switch n {
				case 1:
					e.validator = append([]byte(nil), v.bytes...)
				case 2:
					e.signature = append([]byte(nil), v.bytes...)
				}
				return nil
			}); err != nil {
				return err
			}
			sigs = append(sigs, e)
		case 3:
			var validator []byte
			var e treeEntry
			if err := walkFields(val.bytes, func(n protowire.Number, v fieldValue) error {
				switch n {
				case 1:
					validator = append([]byte(nil), v.bytes...)
				case 2:
					e.power = uint32(v.varint)
				case 3:
					e.ethAddress = append([]byte(nil), v.bytes...)
				case 4:
					e.publicKey = append([]byte(nil), v.bytes...)
				case 5:
					e.proof = append(e.proof, append([]byte(nil), v.bytes...))
				}
				return nil
			}); err != nil {
				return err
			}
			entries[hex.EncodeToString(validator)] = e
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seda: batch response: %w", err)
	}

	for _, s := range sigs {
		entry, ok := entries[hex.EncodeToString(s.validator)]
		if !ok {
			continue
		}
		batch.Signatures = append(batch.Signatures, BatchSignature{
			ValidatorAddress:   s.validator,
			EthAddress:         entry.ethAddress,
			PublicKey:          entry.publicKey,
			VotingPowerPercent: entry.power,
			Signature:          s.signature,
			MerkleProof:        entry.proof,
		})
	}

	return batch, nil
}

// encodeResultProofRequest frames QueryResultProofRequest: dr_id=1 (hex
// string), batch_number=2.
func encodeResultProofRequest(drID Hash, batchNumber uint64) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, drID.Hex())
	if batchNumber > 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, batchNumber)
	}
	return b
}

// decodeResultProofResponse unwraps QueryResultProofResponse: proof=1
// (repeated bytes), the membership path of the result in the batch's
// results tree.
func decodeResultProofResponse(b []byte) ([][]byte, error) {
	var proof [][]byte
	err := walkFields(b, func(num protowire.Number, val fieldValue) error {
		if num == 1 {
			proof = append(proof, append([]byte(nil), val.bytes...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seda: result proof response: %w", err)
	}
	return proof, nil
}
