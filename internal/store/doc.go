// Package store provides SQLite-backed durable storage for the coordinator's
// event journal.
//
// The journal is append-only:
//   - runs:   one row per run (run id, schedule name, first seq)
//   - events: one row per coordinator event, keyed by its logical seq
//
// # Ordering
//
// All ordering uses the seq INTEGER from the coordinator's logical clock,
// never timestamps. Every query that returns events includes ORDER BY seq ASC,
// so a journal reads back in exactly the order the coordinator decided on.
// Seq is unique across runs and across coordinator restarts (the server
// resumes its clock from LastSeq).
//
// # Idempotency
//
// Writes use ON CONFLICT DO NOTHING. Writing the same run or event twice is
// a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads (ordserv trace) during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Events must reference a known run
package store
