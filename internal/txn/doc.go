// Package txn runs units of work against the shared PostgreSQL store.
//
// Every mutating engine call goes through Runner.Do, which opens exactly one
// transaction per attempt and either commits or rolls it back before the
// next attempt starts. Errors are classified into three dispositions:
//
//   - transient: serialization failure (40001), deadlock (40P01),
//     lock not available (55P03), and ErrContended. Retried with
//     min(base*2^n, cap) backoff up to Policy.MaxAttempts.
//   - permanent: ErrNoFreeSlot, ErrNotProvisioned, ErrNotFound,
//     *ValidationError. Returned immediately.
//   - unexpected: everything else. Returned immediately, wrapped with the
//     operation name.
//
// A transaction that fails mid-attempt is rolled back, so a row is always
// either untouched or fully written by a committed attempt.
//
// Advisory locks (LockPath) serialize critical sections that row locks alone
// do not protect, keyed by a stable hash of (table, path).
package txn
