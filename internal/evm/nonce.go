package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
)

// NonceReader is the chain state a nonce coordinator needs.
// *ChainClient satisfies it.
type NonceReader interface {
	LatestNonce(ctx context.Context, account common.Address) (uint64, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

// NonceConfig tunes the coordinator. Zero values fall back to defaults.
type NonceConfig struct {
	// GapTolerance is how far pending may run ahead of latest before a
	// warning is logged.
	GapTolerance uint64
	// SyncInterval drives the background reconciliation pass.
	SyncInterval time.Duration
	// StuckTimeout marks a pending transaction stuck after this long
	// without confirmation.
	StuckTimeout time.Duration
	// MaxRetries caps gas escalations per stuck transaction.
	MaxRetries int
	// MaxPending caps unconfirmed transactions per (chain, account).
	MaxPending int
}

func (c NonceConfig) withDefaults() NonceConfig {
	if c.GapTolerance == 0 {
		c.GapTolerance = 10
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 15 * time.Second
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 50
	}
	return c
}

// PendingTx tracks one broadcast, unconfirmed transaction.
type PendingTx struct {
	Nonce      uint64
	Hash       common.Hash
	GasPrice   *big.Int
	FirstSeen  time.Time
	RetryCount int
	Stuck      bool
}

type nonceKey struct {
	chain   string
	account common.Address
}

func (k nonceKey) String() string {
	return k.chain + "/" + k.account.Hex()
}

// accountState serializes reservation decisions for one (chain,
// account) pair. busy plus the FIFO waiter queue form the gate; pending
// is the per-nonce transaction table.
type accountState struct {
	busy    bool
	waiters []chan struct{}

	confirmed    uint64
	pendingNonce uint64
	pending      map[uint64]*PendingTx
}

// NonceCoordinator hands out collision-free nonces per (chain,
// account), escalates gas on stuck transactions, and reconciles its
// tables against the chain on a timer.
type NonceCoordinator struct {
	cfg    NonceConfig
	logger *slog.Logger

	mu       sync.Mutex
	readers  map[string]NonceReader
	accounts map[nonceKey]*accountState

	now func() time.Time
}

// NewNonceCoordinator builds an empty coordinator; register each chain
// with Register before reserving.
func NewNonceCoordinator(cfg NonceConfig, logger *slog.Logger) *NonceCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &NonceCoordinator{
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "nonce_coordinator")),
		readers:  make(map[string]NonceReader),
		accounts: make(map[nonceKey]*accountState),
		now:      time.Now,
	}
}

// Register wires the reader used for a chain's nonce lookups.
func (c *NonceCoordinator) Register(chain string, reader NonceReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers[chain] = reader
}

func (c *NonceCoordinator) state(key nonceKey) *accountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.accounts[key]
	if !ok {
		st = &accountState{pending: make(map[uint64]*PendingTx)}
		c.accounts[key] = st
	}
	return st
}

// acquire takes the account's decision gate in FIFO order.
func (c *NonceCoordinator) acquire(ctx context.Context, st *accountState) error {
	c.mu.Lock()
	if !st.busy {
		st.busy = true
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range st.waiters {
			if w == ch {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The gate was already handed to us; pass it on.
		<-ch
		c.release(st)
		return ctx.Err()
	}
}

func (c *NonceCoordinator) release(st *accountState) {
	c.mu.Lock()
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		c.mu.Unlock()
		close(next)
		return
	}
	st.busy = false
	c.mu.Unlock()
}

// Reservation is a nonce handed out for one broadcast. Confirm attaches
// the transaction hash once broadcast; Release removes the entry after
// confirmation or abandonment.
type Reservation struct {
	Nonce       uint64
	GasPrice    *big.Int
	Replacement bool

	key   nonceKey
	coord *NonceCoordinator
}

// Confirm records the broadcast hash on the reservation's entry.
func (r *Reservation) Confirm(hash common.Hash) {
	r.coord.mu.Lock()
	defer r.coord.mu.Unlock()
	if st, ok := r.coord.accounts[r.key]; ok {
		if entry, ok := st.pending[r.Nonce]; ok {
			entry.Hash = hash
		}
	}
}

// Release drops the reservation's entry from the pending table.
func (r *Reservation) Release() {
	r.coord.mu.Lock()
	defer r.coord.mu.Unlock()
	if st, ok := r.coord.accounts[r.key]; ok {
		delete(st.pending, r.Nonce)
	}
}

// Reserve picks the next safe nonce for (chain, account). The chain's
// latest and pending counts are re-read on every call; cached values go
// stale the moment anyone else broadcasts from the account.
// chainGasPrice is the caller's configured or suggested price and acts
// as the floor for replacements.
func (c *NonceCoordinator) Reserve(ctx context.Context, chain string, account common.Address, chainGasPrice *big.Int) (*Reservation, error) {
	key := nonceKey{chain: chain, account: account}
	st := c.state(key)

	if err := c.acquire(ctx, st); err != nil {
		return nil, err
	}
	defer c.release(st)

	return c.reserveLocked(ctx, key, st, chainGasPrice)
}

// reserveLocked runs with the account gate held.
func (c *NonceCoordinator) reserveLocked(ctx context.Context, key nonceKey, st *accountState, chainGasPrice *big.Int) (*Reservation, error) {
	reader, err := c.reader(key.chain)
	if err != nil {
		return nil, err
	}

	latest, err := reader.LatestNonce(ctx, key.account)
	if err != nil {
		return nil, fmt.Errorf("evm: latest nonce for %s: %w", key, err)
	}
	pendingNonce, err := reader.PendingNonce(ctx, key.account)
	if err != nil {
		return nil, fmt.Errorf("evm: pending nonce for %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st.confirmed = latest
	st.pendingNonce = pendingNonce
	dropConfirmed(st, latest)

	if pendingNonce > latest && pendingNonce-latest > c.cfg.GapTolerance {
		c.logger.Warn("nonce gap above tolerance",
			slog.String("account", key.String()),
			slog.Uint64("latest", latest),
			slog.Uint64("pending", pendingNonce),
		)
	}

	if chainGasPrice == nil {
		chainGasPrice = new(big.Int)
	}

	// A broadcast entry sitting exactly at the chain's next nonce fell
	// out of the mempool. Reuse the nonce at a bumped price so the
	// replacement is not rejected as underpriced. Entries without a
	// hash are reservations still on their way to broadcast; those are
	// skipped past below, never handed out twice.
	if existing, ok := st.pending[pendingNonce]; ok && existing.Hash != (common.Hash{}) {
		price := maxBig(chainGasPrice, mulRatio(existing.GasPrice, 110, 100))
		st.pending[pendingNonce] = &PendingTx{
			Nonce:     pendingNonce,
			GasPrice:  price,
			FirstSeen: c.now(),
		}
		c.logger.Info("replacing pending transaction",
			slog.String("account", key.String()),
			slog.Uint64("nonce", pendingNonce),
		)
		return &Reservation{Nonce: pendingNonce, GasPrice: price, Replacement: true, key: key, coord: c}, nil
	}

	if len(st.pending) >= c.cfg.MaxPending {
		return nil, fmt.Errorf("%w: %d on %s", ErrTooManyPending, len(st.pending), key)
	}

	candidate := pendingNonce
	if highest, ok := highestNonce(st.pending); ok && highest+1 > candidate {
		candidate = highest + 1
	}

	st.pending[candidate] = &PendingTx{
		Nonce:     candidate,
		GasPrice:  new(big.Int).Set(chainGasPrice),
		FirstSeen: c.now(),
	}
	return &Reservation{Nonce: candidate, GasPrice: new(big.Int).Set(chainGasPrice), key: key, coord: c}, nil
}

// HandleFailure recovers from a failed broadcast: the failed entry is
// dropped, chain state force-refreshed, and a fresh reservation issued.
func (c *NonceCoordinator) HandleFailure(ctx context.Context, chain string, account common.Address, failedNonce uint64, chainGasPrice *big.Int, cause error) (*Reservation, error) {
	key := nonceKey{chain: chain, account: account}
	st := c.state(key)

	if err := c.acquire(ctx, st); err != nil {
		return nil, err
	}
	defer c.release(st)

	c.mu.Lock()
	delete(st.pending, failedNonce)
	c.mu.Unlock()

	c.logger.Warn("recovering from nonce failure",
		slog.String("account", key.String()),
		slog.Uint64("failed_nonce", failedNonce),
		slog.String("cause", cause.Error()),
	)
	return c.reserveLocked(ctx, key, st, chainGasPrice)
}

// Run reconciles all tracked accounts against their chains until ctx is
// cancelled.
func (c *NonceCoordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.syncAll(ctx)
		}
	}
}

func (c *NonceCoordinator) syncAll(ctx context.Context) {
	c.mu.Lock()
	keys := make([]nonceKey, 0, len(c.accounts))
	for key := range c.accounts {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		c.syncAccount(ctx, key)
	}
}

// syncAccount drops now-confirmed entries and escalates stuck ones. The
// escalated price takes effect on the next replacement broadcast; the
// sync pass itself never touches the chain beyond reads.
func (c *NonceCoordinator) syncAccount(ctx context.Context, key nonceKey) {
	reader, err := c.reader(key.chain)
	if err != nil {
		return
	}
	st := c.state(key)
	if err := c.acquire(ctx, st); err != nil {
		return
	}
	defer c.release(st)

	latest, err := reader.LatestNonce(ctx, key.account)
	if err != nil {
		c.logger.Warn("nonce sync read failed",
			slog.String("account", key.String()), slog.String("error", err.Error()))
		return
	}
	pendingNonce, err := reader.PendingNonce(ctx, key.account)
	if err != nil {
		c.logger.Warn("nonce sync read failed",
			slog.String("account", key.String()), slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st.confirmed = latest
	st.pendingNonce = pendingNonce
	dropConfirmed(st, latest)

	cutoff := c.now().Add(-c.cfg.StuckTimeout)
	stuck := 0
	for _, entry := range st.pending {
		if entry.Stuck {
			stuck++
		}
		if !entry.FirstSeen.Before(cutoff) {
			continue
		}
		if !entry.Stuck {
			entry.Stuck = true
			stuck++
		}
		if entry.RetryCount >= c.cfg.MaxRetries {
			continue
		}
		entry.GasPrice = mulRatio(entry.GasPrice, 120, 100)
		entry.RetryCount++
		c.logger.Warn("stuck transaction, gas escalated",
			slog.String("account", key.String()),
			slog.Uint64("nonce", entry.Nonce),
			slog.String("tx_hash", entry.Hash.Hex()),
			slog.Int("retry_count", entry.RetryCount),
		)
	}
	metrics.StuckTransactions.WithLabelValues(key.chain).Set(float64(stuck))
}

// AccountStats is a point-in-time view of one tracked account.
type AccountStats struct {
	Chain     string
	Account   common.Address
	Confirmed uint64
	Pending   uint64
	InFlight  int
	Stuck     int
}

// Stats snapshots every tracked (chain, account).
func (c *NonceCoordinator) Stats() []AccountStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]AccountStats, 0, len(c.accounts))
	for key, st := range c.accounts {
		stuck := 0
		for _, entry := range st.pending {
			if entry.Stuck {
				stuck++
			}
		}
		out = append(out, AccountStats{
			Chain:     key.chain,
			Account:   key.account,
			Confirmed: st.confirmed,
			Pending:   st.pendingNonce,
			InFlight:  len(st.pending),
			Stuck:     stuck,
		})
	}
	return out
}

// PendingFor returns a copy of the pending entry at nonce, if any.
func (c *NonceCoordinator) PendingFor(chain string, account common.Address, nonce uint64) (PendingTx, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.accounts[nonceKey{chain: chain, account: account}]
	if !ok {
		return PendingTx{}, false
	}
	entry, ok := st.pending[nonce]
	if !ok {
		return PendingTx{}, false
	}
	out := *entry
	out.GasPrice = new(big.Int).Set(entry.GasPrice)
	return out, true
}

func (c *NonceCoordinator) reader(chain string) (NonceReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reader, ok := c.readers[chain]
	if !ok {
		return nil, fmt.Errorf("evm: no nonce reader registered for chain %s", chain)
	}
	return reader, nil
}

func dropConfirmed(st *accountState, latest uint64) {
	for nonce := range st.pending {
		if nonce < latest {
			delete(st.pending, nonce)
		}
	}
}

func highestNonce(pending map[uint64]*PendingTx) (uint64, bool) {
	var highest uint64
	found := false
	for nonce := range pending {
		if !found || nonce > highest {
			highest = nonce
			found = true
		}
	}
	return highest, found
}

func mulRatio(v *big.Int, num, den int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(num))
	return out.Div(out, big.NewInt(den))
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
