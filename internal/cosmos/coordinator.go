// Package cosmos serializes every transaction this process sends to the
// SEDA chain. A Cosmos account consumes sequence numbers strictly in
// order, so all submissions funnel through one coordinator that assigns
// the next sequence, runs a single posting at a time, and advances the
// counter only when an attempt provably consumed its number on-chain.
package cosmos

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/metrics"
	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// SequenceQuerier provides the chain's view of the signer account.
// *seda.Client satisfies it.
type SequenceQuerier interface {
	AccountSequence(ctx context.Context) (uint64, error)
}

// Posting is one serialized submission. PostTransaction receives the
// sequence number the coordinator assigned to this attempt and must
// honor ctx, which carries the posting timeout.
type Posting struct {
	TaskID          string
	Timeout         time.Duration
	PostTransaction func(ctx context.Context, sequence uint64) (*seda.PostedDataRequest, error)
}

// Result is the outcome of one sequenced posting. Sequence is valid
// whenever the posting ran, including failed runs. Duplicate marks the
// case where the chain reported the request as already posted; the
// sequence was consumed and the caller treats the submission as
// successful even though no receipt is available.
type Result struct {
	Sequence  uint64
	Posted    *seda.PostedDataRequest
	Duplicate bool
}

// Stats is a point-in-time snapshot of the coordinator.
type Stats struct {
	QueueSize    int
	Processing   bool
	NextSequence uint64
	Initialized  bool
}

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// MaxQueueSize caps waiting postings; Execute rejects beyond it.
	MaxQueueSize int
	// PostingTimeout bounds a single PostTransaction call when the
	// posting does not carry its own timeout.
	PostingTimeout time.Duration
	// InterItemDelay is the pause between consecutive postings so the
	// mempool is not hammered during bursts.
	InterItemDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.PostingTimeout <= 0 {
		c.PostingTimeout = 20 * time.Second
	}
	if c.InterItemDelay <= 0 {
		c.InterItemDelay = 100 * time.Millisecond
	}
	return c
}

type outcome struct {
	res Result
	err error
}

type pending struct {
	posting Posting
	ctx     context.Context
	done    chan outcome
}

// Coordinator is the process-wide gate in front of the Cosmos signer.
// Postings are served strictly in enqueue order by a single worker; the
// sequence counter advances only when a run provably consumed a
// sequence number on-chain.
type Coordinator struct {
	querier SequenceQuerier
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	queue       []*pending
	nextSeq     uint64
	processing  bool
	initialized bool

	wake chan struct{}
}

// NewCoordinator builds a coordinator; call Initialize and then Run.
func NewCoordinator(querier SequenceQuerier, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		querier: querier,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "sequence_coordinator")),
		wake:    make(chan struct{}, 1),
	}
}

// Initialize seeds the sequence counter from the chain. A failed query
// is not fatal: fresh accounts have no on-chain record yet, so the
// counter falls back to zero.
func (c *Coordinator) Initialize(ctx context.Context) uint64 {
	seq, err := c.querier.AccountSequence(ctx)
	if err != nil {
		c.logger.Warn("account sequence query failed, starting from zero",
			slog.String("error", err.Error()))
		seq = 0
	}

	c.mu.Lock()
	c.nextSeq = seq
	c.initialized = true
	c.mu.Unlock()
	metrics.SequenceNext.Set(float64(seq))

	c.logger.Info("sequence coordinator initialized", slog.Uint64("next_sequence", seq))
	return seq
}

// Execute enqueues the posting and blocks until the worker has run it
// or ctx is cancelled. Postings run in FIFO order, one at a time.
func (c *Coordinator) Execute(ctx context.Context, posting Posting) (Result, error) {
	item := &pending{posting: posting, ctx: ctx, done: make(chan outcome, 1)}

	c.mu.Lock()
	if len(c.queue) >= c.cfg.MaxQueueSize {
		n := len(c.queue)
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %d postings waiting", ErrQueueFull, n)
	}
	c.queue = append(c.queue, item)
	metrics.SequenceQueueSize.Set(float64(len(c.queue)))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	select {
	case out := <-item.done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stats reports the coordinator's current state.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		QueueSize:    len(c.queue),
		Processing:   c.processing,
		NextSequence: c.nextSeq,
		Initialized:  c.initialized,
	}
}

// Clear drops every queued posting, resolving its waiter with
// ErrCleared. The sequence counter is left alone: cleared postings
// never ran, so no sequence number was consumed. Returns the number of
// postings dropped.
func (c *Coordinator) Clear() int {
	c.mu.Lock()
	dropped := c.queue
	c.queue = nil
	metrics.SequenceQueueSize.Set(0)
	c.mu.Unlock()

	for _, item := range dropped {
		item.done <- outcome{err: ErrCleared}
	}
	if len(dropped) > 0 {
		c.logger.Info("posting queue cleared", slog.Int("dropped", len(dropped)))
	}
	return len(dropped)
}

// Run processes the queue until ctx is cancelled. It initializes the
// sequence counter first if Initialize was not called explicitly.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		c.Initialize(ctx)
	}

	for {
		item := c.dequeue()
		if item == nil {
			select {
			case <-ctx.Done():
				c.failRemaining(ctx.Err())
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		// A waiter that already gave up gets skipped without touching
		// the chain or the sequence counter.
		if err := item.ctx.Err(); err != nil {
			item.done <- outcome{err: err}
			continue
		}

		c.process(ctx, item)

		select {
		case <-ctx.Done():
			c.failRemaining(ctx.Err())
			return ctx.Err()
		case <-time.After(c.cfg.InterItemDelay):
		}
	}
}

func (c *Coordinator) dequeue() *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	item := c.queue[0]
	c.queue = c.queue[1:]
	metrics.SequenceQueueSize.Set(float64(len(c.queue)))
	return item
}

func (c *Coordinator) failRemaining(err error) {
	c.mu.Lock()
	remaining := c.queue
	c.queue = nil
	metrics.SequenceQueueSize.Set(0)
	c.mu.Unlock()
	for _, item := range remaining {
		item.done <- outcome{err: err}
	}
}

func (c *Coordinator) process(ctx context.Context, item *pending) {
	c.mu.Lock()
	c.processing = true
	seq := c.nextSeq
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.processing = false
		c.mu.Unlock()
	}()

	timeout := item.posting.Timeout
	if timeout <= 0 {
		timeout = c.cfg.PostingTimeout
	}
	postCtx, cancel := context.WithTimeout(ctx, timeout)
	posted, err := item.posting.PostTransaction(postCtx, seq)
	cancel()

	logger := c.logger.With(
		slog.String("task_id", item.posting.TaskID),
		slog.Uint64("sequence", seq),
	)

	switch {
	case err == nil:
		c.advance()
		logger.Debug("posting succeeded")
		item.done <- outcome{res: Result{Sequence: seq, Posted: posted}}

	case IsAlreadyExists(err):
		// The chain holds this request from an earlier attempt, which
		// means that attempt consumed the sequence number.
		c.advance()
		logger.Info("request already on-chain, sequence consumed",
			slog.String("error", err.Error()))
		item.done <- outcome{res: Result{Sequence: seq, Duplicate: true}}

	case IsSequenceError(err):
		logger.Warn("sequence mismatch, keeping sequence for retry",
			slog.String("error", err.Error()))
		item.done <- outcome{res: Result{Sequence: seq}, err: err}

	default:
		logger.Warn("posting failed", slog.String("error", err.Error()))
		item.done <- outcome{res: Result{Sequence: seq}, err: err}
	}
}

func (c *Coordinator) advance() {
	c.mu.Lock()
	c.nextSeq++
	seq := c.nextSeq
	c.mu.Unlock()
	metrics.SequenceNext.Set(float64(seq))
}
