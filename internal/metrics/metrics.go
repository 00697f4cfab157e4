// Package metrics holds the process-wide Prometheus collectors. All
// collectors register themselves on the default registry at init; the
// health server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "solver"

var (
	// TasksPosted counts DataRequests accepted by the SEDA chain.
	TasksPosted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tasks_posted_total",
		Help:      "DataRequests successfully posted to the SEDA chain.",
	})

	// TaskFailures counts tasks that ended FAILED, labeled by the phase
	// that killed them.
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_failures_total",
		Help:      "Tasks that reached the FAILED state.",
	}, []string{"phase"})

	// OracleResults counts oracle outcomes for posted requests.
	OracleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "results_total",
		Help:      "Oracle results observed, by outcome.",
	}, []string{"outcome"})

	// PostingDuration measures the post phase, from enqueue to
	// inclusion.
	PostingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "posting_duration_seconds",
		Help:      "Time from task start to DataRequest inclusion.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// OracleWaitDuration measures the await-result phase.
	OracleWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "wait_duration_seconds",
		Help:      "Time from posting to the oracle result becoming available.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// SequenceQueueSize tracks postings waiting on the Cosmos gate.
	SequenceQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cosmos",
		Name:      "sequence_queue_size",
		Help:      "Postings queued behind the sequence coordinator.",
	})

	// SequenceNext tracks the next account sequence to be assigned.
	SequenceNext = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cosmos",
		Name:      "next_sequence",
		Help:      "Next Cosmos account sequence the coordinator will assign.",
	})

	// BatchPosts counts prover batch submissions per chain.
	BatchPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evm",
		Name:      "batch_posts_total",
		Help:      "Batch submissions to prover contracts, by outcome.",
	}, []string{"chain", "outcome"})

	// ResultPosts counts result submissions per chain.
	ResultPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evm",
		Name:      "result_posts_total",
		Help:      "Result submissions to core contracts, by outcome.",
	}, []string{"chain", "outcome"})

	// FanoutDuration measures one destination delivery end to end.
	FanoutDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evm",
		Name:      "fanout_duration_seconds",
		Help:      "Per-destination delivery time for one oracle result.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"chain"})

	// StuckTransactions tracks currently stuck EVM transactions.
	StuckTransactions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "evm",
		Name:      "stuck_transactions",
		Help:      "Pending transactions past the stuck timeout.",
	}, []string{"chain"})

	// FeesClaimed counts successful fee withdrawals per chain.
	FeesClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evm",
		Name:      "fees_claimed_total",
		Help:      "Fee manager withdrawals that confirmed on-chain.",
	}, []string{"chain"})
)

// Outcome label values shared by the counter vectors.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDropped = "dropped"
)
