package provision

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/txn"
)

// Pool is one fixed-size slot pool.
type Pool struct {
	Kind     Kind            `json:"kind"`
	Path     string          `json:"path"`
	Capacity int             `json:"capacity"`
	Status   json.RawMessage `json:"status,omitempty"`
}

// Builder collects pool declarations. It carries its own path stack:
// Push descends one label, Pop climbs back, and every declaration lands
// beneath the current path. Builders are not safe for concurrent use.
type Builder struct {
	stack []string
	pools map[poolKey]Pool
}

type poolKey struct {
	kind Kind
	path string
}

// NewBuilder returns a builder positioned at the root.
func NewBuilder() *Builder {
	return &Builder{pools: make(map[poolKey]Pool)}
}

// Push descends into label.
func (b *Builder) Push(label string) error {
	if err := kbpath.ValidateLabel(label); err != nil {
		return err
	}
	b.stack = append(b.stack, label)
	return nil
}

// Pop climbs back to the parent path.
func (b *Builder) Pop() error {
	if len(b.stack) == 0 {
		return txn.Invalid("path", "", "pop at root")
	}
	b.stack = b.stack[:len(b.stack)-1]
	return nil
}

// Path returns the current path, "" at the root.
func (b *Builder) Path() string {
	var p string
	for _, label := range b.stack {
		p = kbpath.Join(p, label)
	}
	return p
}

// Depth returns the number of labels on the stack.
func (b *Builder) Depth() int {
	return len(b.stack)
}

// Job declares a job queue of capacity slots at current.label.
func (b *Builder) Job(label string, capacity int) error {
	return b.Add(KindJob, label, capacity, nil)
}

// RPCServer declares an RPC request queue at current.label.
func (b *Builder) RPCServer(label string, capacity int) error {
	return b.Add(KindRPCServer, label, capacity, nil)
}

// RPCClient declares an RPC reply queue at current.label.
func (b *Builder) RPCClient(label string, capacity int) error {
	return b.Add(KindRPCClient, label, capacity, nil)
}

// Stream declares a circular buffer at current.label.
func (b *Builder) Stream(label string, capacity int) error {
	return b.Add(KindStream, label, capacity, nil)
}

// Status declares the status record at current.label with its initial payload.
func (b *Builder) Status(label string, payload json.RawMessage) error {
	return b.Add(KindStatus, label, 1, payload)
}

// Add declares a pool of kind at current.label, or at the current path
// itself when label is empty. Status pools hold exactly one record whose
// initial payload is status (an empty object when nil).
func (b *Builder) Add(kind Kind, label string, capacity int, status json.RawMessage) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	path := b.Path()
	if label != "" {
		if err := kbpath.ValidateLabel(label); err != nil {
			return err
		}
		path = kbpath.Join(path, label)
	}
	if err := kbpath.Validate(path); err != nil {
		return err
	}

	if kind == KindStatus {
		if capacity != 1 {
			return txn.Invalid("capacity", strconv.Itoa(capacity), "status pools hold exactly one record")
		}
		if len(status) == 0 {
			status = json.RawMessage(`{}`)
		}
		if err := slot.ValidatePayload(status); err != nil {
			return err
		}
	} else if capacity <= 0 {
		return txn.Invalid("capacity", strconv.Itoa(capacity), "capacity must be positive")
	}

	key := poolKey{kind: kind, path: path}
	if _, ok := b.pools[key]; ok {
		return txn.Invalid("path", path, "%s pool declared twice", kind)
	}
	b.pools[key] = Pool{Kind: kind, Path: path, Capacity: capacity, Status: status}
	return nil
}

// Plan returns the declared pools sorted by kind, then path. The stack must
// be back at the root.
func (b *Builder) Plan() (Plan, error) {
	if len(b.stack) != 0 {
		return nil, txn.Invalid("path", b.Path(), "unbalanced path stack, %d labels still pushed", len(b.stack))
	}
	plan := make(Plan, 0, len(b.pools))
	for _, p := range b.pools {
		plan = append(plan, p)
	}
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].Kind != plan[j].Kind {
			return plan[i].Kind.order() < plan[j].Kind.order()
		}
		return plan[i].Path < plan[j].Path
	})
	return plan, nil
}
