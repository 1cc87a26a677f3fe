package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/provision"
	"github.com/roach88/kbq/internal/resolve"
)

// NewPathsCommand creates the paths command.
func NewPathsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths <kind> [lquery]",
		Short: "List provisioned paths of a kind",
		Long: `List the distinct paths that hold pools of kind (job, rpc_server,
rpc_client, stream, status), optionally filtered by an ltree lquery.

Example:
  kbq paths job
  kbq paths rpc_server 'svc.*'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				q := resolve.Query{Kind: provision.Kind(args[0])}
				if len(args) == 2 {
					q.Pattern = args[1]
				}
				paths, err := resolve.NewSQLResolver(s.db).ResolvePaths(ctx, q)
				if err != nil {
					return err
				}
				return out.Emit(paths, func(w io.Writer) {
					for _, p := range paths {
						fmt.Fprintln(w, p)
					}
				})
			})
		},
	}
}
