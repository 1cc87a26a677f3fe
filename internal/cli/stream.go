package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/stream"
)

// NewStreamCommand creates the stream command group.
func NewStreamCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Record and read fixed-size stream buffers",
	}
	cmd.AddCommand(newStreamPushCommand(rootOpts))
	cmd.AddCommand(newStreamLatestCommand(rootOpts))
	cmd.AddCommand(newStreamGetCommand(rootOpts))
	cmd.AddCommand(newStreamListCommand(rootOpts))
	cmd.AddCommand(newStreamStatsCommand(rootOpts))
	cmd.AddCommand(newStreamClearCommand(rootOpts))
	return cmd
}

func writeEntry(w io.Writer, e *stream.Entry) {
	fmt.Fprintf(w, "id=%d path=%s recorded=%s valid=%t payload=%s\n",
		e.ID, e.Path, formatTime(&e.RecordedAt), e.Valid, e.Payload)
}

func newStreamPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <path> <payload|->",
		Short: "Record an entry, overwriting the oldest slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				payload, err := readPayload(cmd, args[1])
				if err != nil {
					return err
				}
				id, err := stream.New(s.db, s.runner).Push(ctx, args[0], payload)
				if err != nil {
					return err
				}
				return out.Emit(map[string]int64{"id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "recorded entry %d\n", id)
				})
			})
		},
	}
}

func newStreamLatestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <path>",
		Short: "Show the most recent valid entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				e, err := stream.New(s.db, s.runner).Latest(ctx, args[0])
				if err != nil {
					return err
				}
				if e == nil {
					return out.Empty("no valid entry")
				}
				return out.Emit(e, func(w io.Writer) { writeEntry(w, e) })
			})
		},
	}
}

func newStreamGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one entry by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				e, err := stream.New(s.db, s.runner).Get(ctx, id)
				if err != nil {
					return err
				}
				if e == nil {
					return out.Empty(fmt.Sprintf("entry %d not found", id))
				}
				return out.Emit(e, func(w io.Writer) { writeEntry(w, e) })
			})
		},
	}
}

func newStreamListCommand(rootOpts *RootOptions) *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "list <path>",
		Short: "List valid entries in recorded order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				opts, err := lf.options()
				if err != nil {
					return err
				}
				entries, err := stream.New(s.db, s.runner).List(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return out.Emit(entries, func(w io.Writer) {
					for i := range entries {
						writeEntry(w, &entries[i])
					}
				})
			})
		},
	}
	lf.register(cmd)
	return cmd
}

func newStreamStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <path>",
		Short: "Show entry count and inter-arrival intervals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				st, err := stream.New(s.db, s.runner).Stats(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "count=%d first=%s last=%s mean=%.3fs min=%.3fs max=%.3fs\n",
						st.Count, formatTime(st.First), formatTime(st.Last), st.MeanInterval, st.MinInterval, st.MaxInterval)
				})
			})
		},
	}
}

func newStreamClearCommand(rootOpts *RootOptions) *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "clear <path>",
		Short: "Invalidate entries, optionally only those recorded before a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				olderThan, err := parseTime("before", before)
				if err != nil {
					return err
				}
				n, err := stream.New(s.db, s.runner).Clear(ctx, args[0], olderThan)
				if err != nil {
					return err
				}
				return out.Emit(map[string]int64{"invalidated": n}, func(w io.Writer) {
					fmt.Fprintf(w, "invalidated %d entries\n", n)
				})
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "only entries recorded before this RFC 3339 time")
	return cmd
}
