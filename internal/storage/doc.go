// Package storage persists medwatch state that should outlive a process:
//   - the delivery audit trail (one record per notification attempt)
//   - dedup ledger keys, when the ledger is configured to persist
//   - the notifier's short-window dedup state
package storage
