package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/jobqueue"
	"github.com/roach88/kbq/internal/rpcclient"
	"github.com/roach88/kbq/internal/rpcserver"
	"github.com/roach88/kbq/internal/snapshot"
	"github.com/roach88/kbq/internal/status"
	"github.com/roach88/kbq/internal/stream"
)

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export slot state to a SQLite file for offline inspection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "export <prefix> <out.db>",
		Short: "Write every slot under prefix to a new SQLite file",
		Long: `Write every slot under prefix to a new SQLite file. Use "" as the
prefix to export everything. The output file must not exist.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				src := snapshot.Source{
					Jobs:     jobqueue.New(s.db, s.runner),
					Requests: rpcserver.New(s.db, s.runner),
					Replies:  rpcclient.New(s.db, s.runner),
					Streams:  stream.New(s.db, s.runner),
					Status:   status.New(s.db, s.runner),
				}
				sum, err := snapshot.Export(ctx, src, args[0], args[1])
				if err != nil {
					return err
				}
				return out.Emit(sum, writeSummary(sum))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "summary <file.db>",
		Short: "Show per-table, per-path row counts of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			sum, err := snapshot.Summarize(cmd.Context(), args[0])
			if err != nil {
				return out.Fail(err)
			}
			return out.Emit(sum, writeSummary(sum))
		},
	})
	return cmd
}

func writeSummary(sum snapshot.Summary) func(w io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "prefix=%q exported=%s rows=%d\n", sum.Prefix, formatTime(&sum.ExportedAt), sum.Rows())
		for _, c := range sum.Counts {
			fmt.Fprintf(w, "  %-18s %-24s %d\n", c.Table, c.Path, c.Rows)
		}
	}
}
