package seda

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cosmossdk.io/math"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
)

// ErrBatchNotFound is returned when the batching module has no batch at
// the requested height yet.
var ErrBatchNotFound = errors.New("seda: batch not found")

// rpcClient is the subset of the CometBFT RPC surface the client uses.
type rpcClient interface {
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*coretypes.ResultABCIQuery, error)
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*coretypes.ResultBroadcastTx, error)
	Tx(ctx context.Context, hash []byte, prove bool) (*coretypes.ResultTx, error)
}

// ClientConfig tunes transaction assembly and inclusion polling.
type ClientConfig struct {
	GasLimit     uint64        // cosmos tx gas, default 1_500_000
	GasPrice     math.Int      // aseda per gas unit, default 10_000_000_000
	PollInterval time.Duration // tx inclusion poll cadence, default 500ms
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.GasLimit == 0 {
		c.GasLimit = 1_500_000
	}
	if c.GasPrice.IsNil() || c.GasPrice.IsZero() {
		c.GasPrice = math.NewInt(10_000_000_000)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Client talks to one SEDA chain deployment. It is not safe for
// concurrent submissions; the sequence coordinator serializes all write
// access. Queries may run concurrently.
type Client struct {
	rpc     rpcClient
	signer  *Signer
	network Network
	cfg     ClientConfig
	logger  *slog.Logger

	accountNumber uint64
	accountReady  bool
}

// NewClient dials the network's RPC endpoint.
func NewClient(network Network, signer *Signer, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	rpc, err := rpchttp.New(network.RPCEndpoint, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("seda: dial rpc %s: %w", network.RPCEndpoint, err)
	}
	return newClient(rpc, network, signer, cfg, logger), nil
}

func newClient(rpc rpcClient, network Network, signer *Signer, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:     rpc,
		signer:  signer,
		network: network,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "seda_client"), slog.String("network", network.Name)),
	}
}

// Network returns the deployment this client talks to.
func (c *Client) Network() Network {
	return c.network
}

// Address returns the signer's bech32 account address.
func (c *Client) Address() string {
	return c.signer.Address()
}

// AccountSequence queries the chain for the account's current sequence
// number and caches the account number for transaction signing.
func (c *Client) AccountSequence(ctx context.Context) (uint64, error) {
	accountNumber, sequence, err := c.queryAccount(ctx)
	if err != nil {
		return 0, err
	}
	c.accountNumber = accountNumber
	c.accountReady = true
	return sequence, nil
}

func (c *Client) queryAccount(ctx context.Context) (accountNumber, sequence uint64, err error) {
	req := &authtypes.QueryAccountRequest{Address: c.signer.Address()}
	reqBz, err := req.Marshal()
	if err != nil {
		return 0, 0, fmt.Errorf("seda: marshal account query: %w", err)
	}

	res, err := c.rpc.ABCIQuery(ctx, accountQueryPath, reqBz)
	if err != nil {
		return 0, 0, fmt.Errorf("seda: account query: %w", err)
	}
	if res.Response.Code != 0 {
		return 0, 0, fmt.Errorf("seda: account query failed (code %d): %s", res.Response.Code, res.Response.Log)
	}

	var resp authtypes.QueryAccountResponse
	if err := resp.Unmarshal(res.Response.Value); err != nil {
		return 0, 0, fmt.Errorf("seda: decode account response: %w", err)
	}
	if resp.Account == nil {
		return 0, 0, fmt.Errorf("seda: account %s not found on chain", c.signer.Address())
	}

	var account authtypes.BaseAccount
	if err := account.Unmarshal(resp.Account.Value); err != nil {
		return 0, 0, fmt.Errorf("seda: decode account: %w", err)
	}
	return account.AccountNumber, account.Sequence, nil
}

// postDataRequestMsg is the core contract's execute message. Byte fields
// marshal as base64, program ids as hex, u128 amounts as decimal strings.
type postDataRequestMsg struct {
	PostDataRequest struct {
		PostedDR       postedDR `json:"posted_dr"`
		SedaPayload    []byte   `json:"seda_payload"`
		PaybackAddress []byte   `json:"payback_address"`
	} `json:"post_data_request"`
}

type postedDR struct {
	Version           string `json:"version"`
	ExecProgramID     string `json:"exec_program_id"`
	ExecInputs        []byte `json:"exec_inputs"`
	ExecGasLimit      uint64 `json:"exec_gas_limit"`
	TallyProgramID    string `json:"tally_program_id"`
	TallyInputs       []byte `json:"tally_inputs"`
	TallyGasLimit     uint64 `json:"tally_gas_limit"`
	ReplicationFactor uint16 `json:"replication_factor"`
	ConsensusFilter   []byte `json:"consensus_filter"`
	GasPrice          string `json:"gas_price"`
	Memo              []byte `json:"memo"`
}

func newPostDataRequestMsg(dr *DataRequest) postDataRequestMsg {
	var msg postDataRequestMsg
	msg.PostDataRequest.PostedDR = postedDR{
		Version:           dr.Version,
		ExecProgramID:     dr.ExecProgramID.Hex(),
		ExecInputs:        dr.ExecInputs,
		ExecGasLimit:      dr.ExecGasLimit,
		TallyProgramID:    dr.TallyProgramID.Hex(),
		TallyInputs:       dr.TallyInputs,
		TallyGasLimit:     dr.TallyGasLimit,
		ReplicationFactor: dr.ReplicationFactor,
		ConsensusFilter:   dr.ConsensusFilter,
		GasPrice:          dr.GasPrice.String(),
		Memo:              dr.Memo,
	}
	msg.PostDataRequest.SedaPayload = []byte{}
	msg.PostDataRequest.PaybackAddress = dr.PaybackAddress
	return msg
}

// SubmitDataRequest posts one DataRequest under the given account
// sequence and waits for the transaction to land in a block. The
// returned block height anchors the result polling that follows.
func (c *Client) SubmitDataRequest(ctx context.Context, dr *DataRequest, sequence uint64) (*PostedDataRequest, error) {
	if !c.accountReady {
		if _, err := c.AccountSequence(ctx); err != nil {
			return nil, fmt.Errorf("seda: load account: %w", err)
		}
	}

	drID := dr.ComputeID()

	execMsg, err := json.Marshal(newPostDataRequestMsg(dr))
	if err != nil {
		return nil, fmt.Errorf("seda: marshal execute msg: %w", err)
	}

	var funds []coin
	if total := dr.Fees.Total(); total.IsPositive() {
		funds = append(funds, coin{denom: c.network.Denom, amount: total.String()})
	}

	msgBz := encodeMsgExecuteContract(c.signer.Address(), c.network.CoreContract, execMsg, funds)
	txBz, err := c.buildTx(msgBz, string(dr.Memo), sequence)
	if err != nil {
		return nil, err
	}

	res, err := c.rpc.BroadcastTxSync(ctx, cmttypes.Tx(txBz))
	if err != nil {
		return nil, fmt.Errorf("seda: broadcast: %w", err)
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("seda: tx rejected (code %d): %s", res.Code, res.Log)
	}

	height, err := c.waitInclusion(ctx, res.Hash)
	if err != nil {
		return nil, err
	}

	posted := &PostedDataRequest{
		ID:          drID,
		TxHash:      strings.ToUpper(hex.EncodeToString(res.Hash)),
		BlockHeight: height,
	}
	c.logger.Info("data request posted",
		slog.String("dr_id", drID.Hex()),
		slog.String("tx_hash", posted.TxHash),
		slog.Uint64("block_height", height),
		slog.Uint64("sequence", sequence),
	)
	return posted, nil
}

func (c *Client) buildTx(msgValue []byte, memo string, sequence uint64) ([]byte, error) {
	body := &txtypes.TxBody{
		Messages: []*codectypes.Any{{TypeUrl: msgExecuteContractTypeURL, Value: msgValue}},
		Memo:     memo,
	}
	bodyBz, err := body.Marshal()
	if err != nil {
		return nil, fmt.Errorf("seda: marshal tx body: %w", err)
	}

	pkAny, err := codectypes.NewAnyWithValue(c.signer.PubKey())
	if err != nil {
		return nil, fmt.Errorf("seda: pack pubkey: %w", err)
	}

	fee := c.cfg.GasPrice.MulRaw(int64(c.cfg.GasLimit))
	authInfo := &txtypes.AuthInfo{
		SignerInfos: []*txtypes.SignerInfo{{
			PublicKey: pkAny,
			ModeInfo: &txtypes.ModeInfo{
				Sum: &txtypes.ModeInfo_Single_{
					Single: &txtypes.ModeInfo_Single{Mode: signing.SignMode_SIGN_MODE_DIRECT},
				},
			},
			Sequence: sequence,
		}},
		Fee: &txtypes.Fee{
			Amount:   sdk.NewCoins(sdk.NewCoin(c.network.Denom, fee)),
			GasLimit: c.cfg.GasLimit,
		},
	}
	authBz, err := authInfo.Marshal()
	if err != nil {
		return nil, fmt.Errorf("seda: marshal auth info: %w", err)
	}

	signDoc := &txtypes.SignDoc{
		BodyBytes:     bodyBz,
		AuthInfoBytes: authBz,
		ChainId:       c.network.ChainID,
		AccountNumber: c.accountNumber,
	}
	signBz, err := signDoc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("seda: marshal sign doc: %w", err)
	}

	sig, err := c.signer.Sign(signBz)
	if err != nil {
		return nil, fmt.Errorf("seda: sign: %w", err)
	}

	raw := &txtypes.TxRaw{BodyBytes: bodyBz, AuthInfoBytes: authBz, Signatures: [][]byte{sig}}
	txBz, err := raw.Marshal()
	if err != nil {
		return nil, fmt.Errorf("seda: marshal tx: %w", err)
	}
	return txBz, nil
}

func (c *Client) waitInclusion(ctx context.Context, hash []byte) (uint64, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := c.rpc.Tx(ctx, hash, false)
		if err == nil && res.Height > 0 {
			if res.TxResult.Code != 0 {
				return 0, fmt.Errorf("seda: tx failed on-chain (code %d): %s", res.TxResult.Code, res.TxResult.Log)
			}
			return uint64(res.Height), nil
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("seda: tx %X not included: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// dataResultJSON is the core contract's get_data_result reply.
type dataResultJSON struct {
	Version         string  `json:"version"`
	DrID            string  `json:"dr_id"`
	Consensus       bool    `json:"consensus"`
	ExitCode        uint8   `json:"exit_code"`
	Result          []byte  `json:"result"`
	BlockHeight     uint64  `json:"block_height"`
	BlockTimestamp  uint64  `json:"block_timestamp"`
	GasUsed         string  `json:"gas_used"`
	PaybackAddress  []byte  `json:"payback_address"`
	SedaPayload     []byte  `json:"seda_payload"`
	BatchAssignment *uint64 `json:"batch_assignment"`
}

// GetDataResult fetches the oracle's result for drID. It returns
// (nil, nil) while the result does not exist or has not been assigned to
// a signed batch yet; callers poll until a non-nil result or timeout.
func (c *Client) GetDataResult(ctx context.Context, drID Hash, postHeight uint64) (*DataResult, error) {
	query, err := json.Marshal(map[string]any{
		"get_data_result": map[string]string{"dr_id": drID.Hex()},
	})
	if err != nil {
		return nil, fmt.Errorf("seda: marshal result query: %w", err)
	}

	data, err := c.smartQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var jr dataResultJSON
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, fmt.Errorf("seda: decode data result: %w", err)
	}
	if jr.BatchAssignment == nil {
		// Tallied but not yet checkpointed into a signed batch.
		return nil, nil
	}

	gasUsed := math.ZeroInt()
	if jr.GasUsed != "" {
		v, ok := math.NewIntFromString(jr.GasUsed)
		if !ok {
			return nil, fmt.Errorf("seda: invalid gas_used %q", jr.GasUsed)
		}
		gasUsed = v
	}

	id := drID
	if jr.DrID != "" {
		parsed, err := HexToHash(jr.DrID)
		if err != nil {
			return nil, fmt.Errorf("seda: result id: %w", err)
		}
		id = parsed
	}

	c.logger.Debug("data result available",
		slog.String("dr_id", id.Hex()),
		slog.Uint64("post_height", postHeight),
		slog.Uint64("result_height", jr.BlockHeight),
		slog.Uint64("batch_assignment", *jr.BatchAssignment),
	)

	return &DataResult{
		ID:              id,
		Version:         jr.Version,
		Consensus:       jr.Consensus,
		ExitCode:        jr.ExitCode,
		Result:          jr.Result,
		BlockHeight:     jr.BlockHeight,
		BlockTimestamp:  jr.BlockTimestamp,
		GasUsed:         gasUsed,
		PaybackAddress:  jr.PaybackAddress,
		SedaPayload:     jr.SedaPayload,
		BatchAssignment: *jr.BatchAssignment,
	}, nil
}

func (c *Client) smartQuery(ctx context.Context, query []byte) ([]byte, error) {
	req := encodeSmartQueryRequest(c.network.CoreContract, query)
	res, err := c.rpc.ABCIQuery(ctx, smartContractStatePath, req)
	if err != nil {
		return nil, fmt.Errorf("seda: smart query: %w", err)
	}
	if res.Response.Code != 0 {
		return nil, fmt.Errorf("seda: smart query failed (code %d): %s", res.Response.Code, res.Response.Log)
	}
	return decodeSmartQueryResponse(res.Response.Value)
}

// GetSignedBatch fetches the signed batch at the given height.
func (c *Client) GetSignedBatch(ctx context.Context, batchNumber uint64) (*SignedBatch, error) {
	return c.queryBatch(ctx, encodeBatchRequest(batchNumber, false))
}

// GetLatestSignedBatch fetches the most recent batch the validator set
// has finished signing.
func (c *Client) GetLatestSignedBatch(ctx context.Context) (*SignedBatch, error) {
	return c.queryBatch(ctx, encodeBatchRequest(0, true))
}

func (c *Client) queryBatch(ctx context.Context, req []byte) (*SignedBatch, error) {
	res, err := c.rpc.ABCIQuery(ctx, batchQueryPath, req)
	if err != nil {
		return nil, fmt.Errorf("seda: batch query: %w", err)
	}
	if res.Response.Code != 0 {
		if strings.Contains(res.Response.Log, "not found") {
			return nil, ErrBatchNotFound
		}
		return nil, fmt.Errorf("seda: batch query failed (code %d): %s", res.Response.Code, res.Response.Log)
	}

	batch, err := decodeBatchResponse(res.Response.Value)
	if err != nil {
		return nil, err
	}
	if batch.BatchNumber == 0 {
		return nil, ErrBatchNotFound
	}
	return batch, nil
}

// GetResultProof fetches the merkle path proving drID's membership in
// the results tree of the given batch.
func (c *Client) GetResultProof(ctx context.Context, drID Hash, batchNumber uint64) ([][]byte, error) {
	res, err := c.rpc.ABCIQuery(ctx, resultProofQueryPath, encodeResultProofRequest(drID, batchNumber))
	if err != nil {
		return nil, fmt.Errorf("seda: result proof query: %w", err)
	}
	if res.Response.Code != 0 {
		return nil, fmt.Errorf("seda: result proof query failed (code %d): %s", res.Response.Code, res.Response.Log)
	}
	return decodeResultProofResponse(res.Response.Value)
}
