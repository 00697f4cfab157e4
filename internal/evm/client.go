// Package evm pushes finalized oracle results to EVM destination
// chains. Every write funnels through a per-account nonce coordinator,
// batches are proven to each chain's prover contract before their
// results are posted, and all destinations are served in parallel by
// the fan-out coordinator.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// NetworkConfig describes one destination chain.
type NetworkConfig struct {
	Name            string
	ChainID         uint64
	RPCURL          string
	FallbackRPCURLs []string
	CoreAddress     common.Address

	GasLimit             uint64
	GasPrice             *big.Int // legacy transactions
	MaxFeePerGas         *big.Int // EIP-1559 transactions
	MaxPriorityFeePerGas *big.Int

	Enabled           bool
	FeeClaimThreshold *big.Int
}

// UsesDynamicFees selects EIP-1559 transactions whenever any dynamic
// fee field is configured.
func (c NetworkConfig) UsesDynamicFees() bool {
	return c.MaxFeePerGas != nil || c.MaxPriorityFeePerGas != nil
}

const defaultGasLimit = 3_000_000

// backend is the slice of ethclient.Client the chain client consumes.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClient talks to one destination chain: contract reads, signed
// writes and receipt polling. It is safe for concurrent use; nonce
// discipline is the nonce coordinator's job, not the client's.
type ChainClient struct {
	cfg     NetworkConfig
	backend backend
	logger  *slog.Logger

	key     *ecdsa.PrivateKey
	account common.Address
	signer  types.Signer

	receiptPoll time.Duration
}

// Dial connects to the chain, trying the primary RPC endpoint first and
// then any fallbacks. The endpoint must agree on the configured chain
// id; a mismatch means a misconfigured URL and is rejected.
func Dial(ctx context.Context, cfg NetworkConfig, key *ecdsa.PrivateKey, logger *slog.Logger) (*ChainClient, error) {
	endpoints := append([]string{cfg.RPCURL}, cfg.FallbackRPCURLs...)

	var lastErr error
	for _, endpoint := range endpoints {
		eth, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			lastErr = fmt.Errorf("evm: dial %s: %w", endpoint, err)
			continue
		}
		chainID, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			lastErr = fmt.Errorf("evm: chain id from %s: %w", endpoint, err)
			continue
		}
		if chainID.Uint64() != cfg.ChainID {
			eth.Close()
			lastErr = fmt.Errorf("evm: %s reports chain id %d, config says %d", endpoint, chainID.Uint64(), cfg.ChainID)
			continue
		}
		return newChainClient(eth, cfg, key, logger), nil
	}
	return nil, fmt.Errorf("evm: no reachable endpoint for %s: %w", cfg.Name, lastErr)
}

func newChainClient(b backend, cfg NetworkConfig, key *ecdsa.PrivateKey, logger *slog.Logger) *ChainClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	client := &ChainClient{
		cfg:         cfg,
		backend:     b,
		logger:      logger.With(slog.String("component", "evm_client"), slog.String("chain", cfg.Name)),
		key:         key,
		signer:      types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
		receiptPoll: 2 * time.Second,
	}
	if key != nil {
		client.account = crypto.PubkeyToAddress(key.PublicKey)
	}
	return client
}

// Name returns the configured chain name.
func (c *ChainClient) Name() string { return c.cfg.Name }

// Close releases the underlying RPC connection when the backend holds
// one. Test backends without a Close are left alone.
func (c *ChainClient) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Account returns the sending address, zero when no key is configured.
func (c *ChainClient) Account() common.Address { return c.account }

// Config returns the chain's static configuration.
func (c *ChainClient) Config() NetworkConfig { return c.cfg }

// LatestNonce is the chain's confirmed transaction count for account.
func (c *ChainClient) LatestNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.NonceAt(ctx, account, nil)
}

// PendingNonce includes mempool transactions.
func (c *ChainClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, account)
}

// GasPrice returns the configured price for this chain, falling back to
// the node's suggestion when none is set. For dynamic fee chains this
// is the fee cap.
func (c *ChainClient) GasPrice(ctx context.Context) (*big.Int, error) {
	if c.cfg.UsesDynamicFees() && c.cfg.MaxFeePerGas != nil {
		return new(big.Int).Set(c.cfg.MaxFeePerGas), nil
	}
	if c.cfg.GasPrice != nil {
		return new(big.Int).Set(c.cfg.GasPrice), nil
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: suggest gas price: %w", err)
	}
	return price, nil
}

func (c *ChainClient) read(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return values, nil
}

// SedaProver reads the prover contract address off the core contract.
func (c *ChainClient) SedaProver(ctx context.Context) (common.Address, error) {
	values, err := c.read(ctx, c.cfg.CoreAddress, coreABI, "getSedaProver")
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

// HasResult reports whether the core contract already stores a result
// for the request.
func (c *ChainClient) HasResult(ctx context.Context, drID [32]byte) (bool, error) {
	values, err := c.read(ctx, c.cfg.CoreAddress, coreABI, "hasResult", drID)
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

// LastBatchHeight reads the highest batch the prover has accepted.
func (c *ChainClient) LastBatchHeight(ctx context.Context, prover common.Address) (uint64, error) {
	values, err := c.read(ctx, prover, proverABI, "getLastBatchHeight")
	if err != nil {
		return 0, err
	}
	return values[0].(uint64), nil
}

// Paused reads the prover's pause switch.
func (c *ChainClient) Paused(ctx context.Context, prover common.Address) (bool, error) {
	values, err := c.read(ctx, prover, proverABI, "paused")
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

// FeeManager reads the fee manager address off the prover.
func (c *ChainClient) FeeManager(ctx context.Context, prover common.Address) (common.Address, error) {
	values, err := c.read(ctx, prover, proverABI, "getFeeManager")
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

// PendingFees reads the fees claimable by account.
func (c *ChainClient) PendingFees(ctx context.Context, feeManager, account common.Address) (*big.Int, error) {
	values, err := c.read(ctx, feeManager, feeManagerABI, "getPendingFees", account)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// TxRequest is one signed write. GasPrice comes from the nonce
// reservation so replacements carry their escalated price.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Nonce    uint64
	GasPrice *big.Int
}

// SubmitTx signs and broadcasts a transaction, returning its hash.
func (c *ChainClient) SubmitTx(ctx context.Context, req TxRequest) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}

	var inner types.TxData
	if c.cfg.UsesDynamicFees() {
		tip := c.cfg.MaxPriorityFeePerGas
		if tip == nil || tip.Cmp(req.GasPrice) > 0 {
			tip = req.GasPrice
		}
		inner = &types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(c.cfg.ChainID),
			Nonce:     req.Nonce,
			GasTipCap: tip,
			GasFeeCap: req.GasPrice,
			Gas:       c.cfg.GasLimit,
			To:        &req.To,
			Data:      req.Data,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    req.Nonce,
			GasPrice: req.GasPrice,
			Gas:      c.cfg.GasLimit,
			To:       &req.To,
			Data:     req.Data,
		}
	}

	tx, err := types.SignNewTx(c.key, c.signer, inner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("evm: send tx nonce %d: %w", req.Nonce, err)
	}

	c.logger.Debug("transaction sent",
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", req.Nonce),
	)
	return tx.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or ctx expires. A
// mined-but-reverted transaction is replayed as a call at its block so
// the revert reason surfaces in the returned error.
func (c *ChainClient) WaitReceipt(ctx context.Context, hash common.Hash, req TxRequest) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return nil, c.revertReason(ctx, req, receipt.BlockNumber)
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			c.logger.Debug("receipt not available yet",
				slog.String("tx_hash", hash.Hex()), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: tx %s not mined: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *ChainClient) revertReason(ctx context.Context, req TxRequest, blockNumber *big.Int) error {
	msg := ethereum.CallMsg{From: c.account, To: &req.To, Gas: c.cfg.GasLimit, Data: req.Data}
	_, err := c.backend.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return errors.New("evm: transaction reverted")
	}
	return fmt.Errorf("evm: transaction reverted: %w", err)
}
