package storage

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// CountOp increments the operation counter for a backend. Adapters call it
// once per contract method invocation.
func CountOp(backend, op string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`polystore_backend_ops_total{backend=%q,op=%q}`, backend, op),
	).Inc()
}

// CountIndexCreated increments the index-creation counter for a backend.
// Index creation is cached per adapter instance, so the counter moves once
// per (table, query type) pair per process under normal operation.
func CountIndexCreated(backend, table string) {
	metrics.GetOrCreateCounter(
		fmt.Sprintf(`polystore_backend_indexes_created_total{backend=%q,table=%q}`, backend, table),
	).Inc()
}
