// Package provision creates the slot tables and pre-allocates the fixed
// slot pool of every path.
//
// Pools are declared either in code through a Builder or in a CUE manifest:
//
//	kb: {
//		svc: {
//			status: {state: "up"}
//			worker1: job: 3
//			rpc1: rpc_server: 2
//		}
//		sensors: t1: stream: 100
//	}
//
// Nested labels under kb are path labels. The reserved fields job,
// rpc_server, rpc_client and stream take a capacity and status takes the
// initial record; each declares a pool at the enclosing path.
//
// Apply is the only place rows are inserted or deleted. The engines rewrite
// rows in place and never change a pool's capacity.
package provision
