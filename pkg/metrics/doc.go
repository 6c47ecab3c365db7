/*
Package metrics provides Prometheus metrics collection and exposition for nclav.

The metrics package defines and registers all nclav metrics using the
Prometheus client library, providing observability into enclave/partition
inventory, reconcile-cycle outcomes, cloud driver call latency, IaC
subprocess runs, and state store operations. Metrics are exposed via an
HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (enclave count)      │          │
	│  │  Counter: Monotonic increases (calls)       │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Inventory: Enclaves, partitions by cloud   │          │
	│  │  Reconciler: Cycle duration, changes        │          │
	│  │  Driver: Cloud API call duration, LRO polls │          │
	│  │  IaC: Terraform/tofu subprocess runs        │          │
	│  │  Store: Op duration, lock conflicts         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Collector:
  - Polls the state store every 15s
  - Populates EnclavesTotal / PartitionsTotal inventory gauges
  - Runs as a background goroutine started from cmd/nclav/serve.go

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to a histogram (or histogram vec)

# Metrics Catalog

nclav_enclaves_total{cloud, status}:
  - Type: Gauge
  - Description: Total number of enclaves by cloud and status
  - Example: nclav_enclaves_total{cloud="gcp",status="reconciled"} 4

nclav_partitions_total{produces, status}:
  - Type: Gauge
  - Description: Total number of partitions by produces type and status
  - Example: nclav_partitions_total{produces="gke_cluster",status="pending"} 1

nclav_reconciliation_duration_seconds{dry_run}:
  - Type: Histogram
  - Description: Time taken for a reconcile cycle in seconds
  - Buckets: 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600

nclav_reconciliation_cycles_total{outcome}:
  - Type: Counter
  - Description: Total number of reconcile cycles completed by outcome

nclav_reconciliation_changes_total{kind}:
  - Type: Counter
  - Description: Total number of changes applied by change kind
    (enclave_created/enclave_updated/enclave_deleted, partition_created/
    partition_updated, export_wired, import_wired)

nclav_driver_call_duration_seconds{cloud, operation}:
  - Type: Histogram
  - Description: Time taken for a cloud driver HTTP call in seconds
  - Buckets: Prometheus default buckets

nclav_driver_calls_total{cloud, operation, outcome}:
  - Type: Counter
  - Description: Total number of driver calls by cloud, operation and outcome
    (success/http_error/error)

nclav_driver_lro_polls{cloud}:
  - Type: Histogram
  - Description: Number of polls taken for a long-running cloud operation
    (GCP operation, Azure async operation, AWS account provisioning) to
    reach a terminal state
  - Buckets: 1, 2, 4, 8, 16, 32, 64, 120

nclav_iac_run_duration_seconds{action}:
  - Type: Histogram
  - Description: Time taken for a terraform/tofu subprocess run in seconds
  - Buckets: 1, 5, 10, 30, 60, 120, 300, 600, 1800

nclav_iac_runs_total{action, outcome}:
  - Type: Counter
  - Description: Total number of IaC subprocess runs by action
    (init/apply/destroy/output) and outcome (success/nonzero_exit/error)

nclav_store_op_duration_seconds{op}:
  - Type: Histogram
  - Description: Time taken for a state store operation (get/put/delete/
    lock/unlock tf state) in seconds

nclav_tf_lock_conflicts_total:
  - Type: Counter
  - Description: Total number of Terraform state lock conflicts observed

# Usage

Updating Gauge Metrics:

	import "github.com/nclav-io/nclav/pkg/metrics"

	metrics.EnclavesTotal.WithLabelValues("gcp", "reconciled").Set(4)

Updating Counter Metrics:

	metrics.ReconciliationCyclesTotal.WithLabelValues("succeeded").Inc()
	metrics.DriverCallsTotal.WithLabelValues("aws", "CreateAccount", "success").Inc()

Recording Histogram Observations with the Timer helper:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ReconciliationDuration.WithLabelValues("false"))

Using Timer with a vector histogram:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.DriverCallDuration, "gcp", "GET")

# Integration Points

This package integrates with:

  - pkg/reconciler: records reconcile cycle duration, outcome and changes
  - pkg/driver: records cloud API call duration, outcome and LRO poll counts
  - pkg/iac: records terraform/tofu subprocess run duration and outcome
  - pkg/stateapi: records state store operation duration and lock conflicts
  - Collector: polls pkg/store for enclave/partition inventory gauges
  - Prometheus: scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (cloud, action,
    outcome, op)
  - Never label by enclave/partition ID — unbounded cardinality belongs
    in logs, not metric labels

Timer Pattern:
  - Create timer at operation start, defer ObserveDuration(Vec) at the end
  - Supports both simple and vector histograms

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
