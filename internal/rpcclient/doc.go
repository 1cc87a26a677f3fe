// Package rpcclient implements the reply side of the RPC broker.
//
// Each client path owns a fixed pool of reply slots with two states:
// free (pending=false) and waiting for delivery (pending=true). ClaimReply
// reads a reply and acknowledges it in the same transaction, so a reply is
// handed to exactly one caller.
package rpcclient
