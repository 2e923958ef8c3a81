// Package store provides the SQLite-backed incident journal.
//
// The runtime reports statement failures, listener failures and filter-fault
// drops to its exception service. When a journal is configured, each report
// is appended as one row of the incidents table.
//
// # Ordering
//
//   - Rows are read in insertion order: ORDER BY id ASC
//   - at_ms is wall time in milliseconds and is informational only
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
