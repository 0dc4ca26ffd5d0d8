// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry
	VaultsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "registry",
		Name:      "vaults_created_total",
		Help:      "Total vaults created",
	}, []string{"chain_id"})

	VaultCreateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "registry",
		Name:      "vault_create_failures_total",
		Help:      "Total vault creation failures by reason",
	}, []string{"reason"})

	AddressDriftDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "registry",
		Name:      "address_drift_detected_total",
		Help:      "Stored addresses that no longer matched a fresh derivation",
	}, []string{"kind"}) // kind: wallet | signer

	// Coordinator
	TransactionsProposed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "coordinator",
		Name:      "transactions_proposed_total",
		Help:      "Total transactions proposed",
	}, []string{"chain_id"})

	ConfirmationsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "coordinator",
		Name:      "confirmations_recorded_total",
		Help:      "Total confirmations recorded (duplicates excluded)",
	}, []string{"chain_id"})

	TransactionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "coordinator",
		Name:      "transactions_executed_total",
		Help:      "Total transactions marked executed",
	}, []string{"chain_id"})

	TransactionsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "coordinator",
		Name:      "transactions_cancelled_total",
		Help:      "Total transactions cancelled",
	}, []string{"chain_id"})

	NonceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "coordinator",
		Name:      "nonce_retries_total",
		Help:      "Proposal retries after losing a per-vault nonce race",
	}, []string{"chain_id"})

	// Derivation
	DerivationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vault",
		Subsystem: "derive",
		Name:      "duration_seconds",
		Help:      "Counterfactual address derivation duration",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
	})

	// Balance reader
	BalanceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "balance",
		Name:      "fetches_total",
		Help:      "Balance snapshot fetches by source",
	}, []string{"chain_id", "source"}) // source: indexer | rpc_fallback | cache

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by method and status",
	}, []string{"chain_id", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	}, []string{"chain_id"})

	// Alerting
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts delivered per channel and type",
	}, []string{"channel", "type"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Subsystem: "alert",
		Name:      "suppressed_total",
		Help:      "Alerts suppressed by the cooldown window",
	}, []string{"type"})
)
