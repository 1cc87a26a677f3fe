package provision

import (
	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/txn"
)

// Kind identifies which engine a pool belongs to.
type Kind string

const (
	KindJob       Kind = "job"
	KindRPCServer Kind = "rpc_server"
	KindRPCClient Kind = "rpc_client"
	KindStream    Kind = "stream"
	KindStatus    Kind = "status"
)

// Kinds lists every kind in plan order.
var Kinds = []Kind{KindJob, KindRPCServer, KindRPCClient, KindStream, KindStatus}

// ParseKind validates a kind literal.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", txn.Invalid("kind", s, "must be one of job, rpc_server, rpc_client, stream, status")
}

// Table returns the table holding the kind's slots.
func (k Kind) Table() string {
	switch k {
	case KindJob:
		return store.JobTable
	case KindRPCServer:
		return store.RPCServerTable
	case KindRPCClient:
		return store.RPCClientTable
	case KindStream:
		return store.StreamTable
	case KindStatus:
		return store.StatusTable
	}
	return ""
}

// PathColumn returns the column addressing the kind's slots.
func (k Kind) PathColumn() string {
	switch k {
	case KindRPCServer:
		return "server_path"
	case KindRPCClient:
		return "client_path"
	}
	return "path"
}

func (k Kind) order() int {
	for i, kk := range Kinds {
		if kk == k {
			return i
		}
	}
	return len(Kinds)
}
