package provision

import (
	"fmt"
	"io"
	"strconv"
)

// Plan is an ordered list of pools.
type Plan []Pool

// Slots returns the total number of rows the plan allocates.
func (p Plan) Slots() int {
	n := 0
	for _, pool := range p {
		n += pool.Capacity
	}
	return n
}

// Describe writes a fixed-width table of the plan followed by a summary line.
func (p Plan) Describe(w io.Writer) error {
	pathWidth := len("PATH")
	for _, pool := range p {
		if len(pool.Path) > pathWidth {
			pathWidth = len(pool.Path)
		}
	}
	kindWidth := len(KindRPCServer)

	line := func(kind, path, capacity string) error {
		_, err := fmt.Fprintf(w, "%-*s  %-*s  %s\n", kindWidth, kind, pathWidth, path, capacity)
		return err
	}
	if err := line("KIND", "PATH", "CAPACITY"); err != nil {
		return err
	}
	for _, pool := range p {
		if err := line(string(pool.Kind), pool.Path, strconv.Itoa(pool.Capacity)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d pools, %d slots\n", len(p), p.Slots())
	return err
}
