// Package sqllog keeps recoverable units in a SQLite table instead of a pair
// of log files.
//
// Each data item is one row keyed by server, service, log name, unit id,
// section id and item index. Single-data sections store their item at index
// 0 and are updated in place; multi-data sections append at indexes 1..n.
//
// Changes are cached in memory and applied in one transaction by Force, so a
// crash loses exactly the changes made since the last successful Force.
//
// # Ownership
//
// The row with ru_id = -1 names the server that owns the log. Open takes
// ownership, replacing a previous owner, so a peer taking over a failed
// server's log sees every unit that server had forced.
//
// # Database Configuration
//
//   - WAL mode: concurrent readers while a force commits
//   - synchronous=FULL: a committed force survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - immediate transactions: the writer lock is taken at BEGIN
package sqllog
