// Package store owns the PostgreSQL connection shared by the exchange engines.
//
// Every engine operates on one table of pre-allocated slots:
//   - kb_job_slots:        job queue slots (occupied/active flags)
//   - kb_rpc_server_slots: RPC requests (empty -> new_job -> processing -> empty)
//   - kb_rpc_client_slots: RPC replies (pending true/false)
//   - kb_stream_slots:     circular buffer entries (valid flag, recorded_at order)
//   - kb_status:           one status record per path
//
// Paths are LTREE columns and are not unique: a path owns as many rows as
// its provisioned capacity. Rows are never inserted or deleted by the
// engines, only rewritten in place, so capacity is fixed once provisioned.
//
// # Critical Patterns
//
// No slot state is cached in process. Every operation re-reads the rows it
// needs inside its own transaction.
//
// All timestamps come from the database clock (NOW()) so that ordering is
// consistent across clients on different machines.
package store
