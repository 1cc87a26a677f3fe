package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/txn"
)

// readPayload returns arg as JSON, reading stdin when arg is "-".
// Validation is left to the engines.
func readPayload(cmd *cobra.Command, arg string) (json.RawMessage, error) {
	if arg != "-" {
		return json.RawMessage(arg), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return json.RawMessage(strings.TrimSpace(string(data))), nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, txn.Invalid("id", arg, "id must be a positive integer")
	}
	return id, nil
}

func parseTime(field, arg string) (*time.Time, error) {
	if arg == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, arg)
	if err != nil {
		return nil, txn.Invalid(field, arg, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// listFlags are the paging and time-window flags shared by list commands.
type listFlags struct {
	limit  int
	offset int
	after  string
	before string
	desc   bool
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum rows to return (0 for all)")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&f.after, "after", "", "only rows after this RFC 3339 time")
	cmd.Flags().StringVar(&f.before, "before", "", "only rows before this RFC 3339 time")
	cmd.Flags().BoolVar(&f.desc, "desc", false, "newest first")
}

func (f *listFlags) options() (slot.ListOptions, error) {
	after, err := parseTime("after", f.after)
	if err != nil {
		return slot.ListOptions{}, err
	}
	before, err := parseTime("before", f.before)
	if err != nil {
		return slot.ListOptions{}, err
	}
	opts := slot.ListOptions{
		Limit:      f.limit,
		Offset:     f.offset,
		After:      after,
		Before:     before,
		Descending: f.desc,
	}
	return opts, opts.Validate()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
