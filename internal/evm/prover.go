package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// proverReader discovers the prover contract through the core contract.
type proverReader interface {
	SedaProver(ctx context.Context) (common.Address, error)
}

// ProverCache remembers, per destination, the prover address discovered
// through the core contract and the last batch height confirmed
// on-chain. Entries are keyed by chain name plus core address so a
// redeployed core contract gets a fresh entry.
type ProverCache struct {
	mu      sync.RWMutex
	entries map[string]*proverEntry
}

type proverEntry struct {
	prover     common.Address
	hasProver  bool
	lastHeight uint64
	hasHeight  bool
}

func NewProverCache() *ProverCache {
	return &ProverCache{entries: make(map[string]*proverEntry)}
}

func cacheKey(chain string, core common.Address) string {
	return chain + "-" + core.Hex()
}

func (p *ProverCache) entry(chain string, core common.Address) *proverEntry {
	key := cacheKey(chain, core)
	e, ok := p.entries[key]
	if !ok {
		e = &proverEntry{}
		p.entries[key] = e
	}
	return e
}

// Discover returns the prover address for a destination, reading
// through the cache. A failed read leaves the cache unchanged; the
// caller treats the destination as offline for this operation.
func (p *ProverCache) Discover(ctx context.Context, reader proverReader, chain string, core common.Address) (common.Address, error) {
	if addr, ok := p.Cached(chain, core); ok {
		return addr, nil
	}
	addr, err := reader.SedaProver(ctx)
	if err != nil {
		return common.Address{}, err
	}

	p.mu.Lock()
	e := p.entry(chain, core)
	e.prover = addr
	e.hasProver = true
	p.mu.Unlock()
	return addr, nil
}

// Cached returns the prover address without touching the network.
func (p *ProverCache) Cached(chain string, core common.Address) (common.Address, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[cacheKey(chain, core)]
	if !ok || !e.hasProver {
		return common.Address{}, false
	}
	return e.prover, true
}

// LastHeight returns the highest batch height known to be on-chain for
// this destination.
func (p *ProverCache) LastHeight(chain string, core common.Address) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[cacheKey(chain, core)]
	if !ok || !e.hasHeight {
		return 0, false
	}
	return e.lastHeight, true
}

// SetLastHeight records a confirmed batch height. Heights only move
// forward; a stale read never regresses the cache.
func (p *ProverCache) SetLastHeight(chain string, core common.Address, height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entry(chain, core)
	if e.hasHeight && height < e.lastHeight {
		return
	}
	e.lastHeight = height
	e.hasHeight = true
}

// Clear drops every cached entry.
func (p *ProverCache) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*proverEntry)
}
