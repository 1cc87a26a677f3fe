package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/status"
)

// NewStatusCommand creates the status command group.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Read and update per-path status records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Show the status record of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				rec, err := status.New(s.db, s.runner).Get(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Emit(rec, func(w io.Writer) {
					fmt.Fprintf(w, "path=%s updated=%s payload=%s\n", rec.Path, formatTime(&rec.UpdatedAt), rec.Payload)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <path> <payload|->",
		Short: "Replace the status record of a provisioned path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				payload, err := readPayload(cmd, args[1])
				if err != nil {
					return err
				}
				if err := status.New(s.db, s.runner).Set(ctx, args[0], payload); err != nil {
					return err
				}
				return out.Emit(map[string]string{"path": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "updated status of %s\n", args[0])
				})
			})
		},
	})
	return cmd
}
