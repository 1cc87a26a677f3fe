// Package jobqueue implements single-consumer task slots per path.
//
// Slot lifecycle:
//
//	free (occupied=false) -> Push -> pending (occupied, !active)
//	pending -> Claim -> active (occupied, active)
//	active -> Complete -> free
//
// Free and occupied slots of a path always sum to its provisioned capacity.
// Push and Claim pick rows with FOR UPDATE SKIP LOCKED so concurrent callers
// never block on each other; a pick that finds only locked rows is retried,
// a pick that finds no rows at all is the empty result.
package jobqueue
