// Package rpcserver implements the request side of the RPC broker.
//
// Every slot of a server path cycles through three states:
//
//	empty -> PushRequest -> new_job -> ClaimNext -> processing -> Complete -> empty
//
// Transitions only move forward. The slot id is the lifecycle key; the
// request id, action, payload and reply path are rewritten on each push.
//
// PushRequest runs at SERIALIZABLE isolation and takes a transaction-scoped
// advisory lock on the server path before picking an empty row, so that two
// pushers for the same destination can never pick the same row. ClaimNext
// uses FOR UPDATE SKIP LOCKED so concurrent workers each see a different
// request or none.
package rpcserver
