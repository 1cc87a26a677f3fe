package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/rpcserver"
)

// NewRPCCommand creates the rpc command group for server request queues.
func NewRPCCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Push, claim, and complete RPC requests",
	}
	cmd.AddCommand(newRPCPushCommand(rootOpts))
	cmd.AddCommand(newRPCClaimCommand(rootOpts))
	cmd.AddCommand(newRPCCompleteCommand(rootOpts))
	cmd.AddCommand(newRPCCountCommand(rootOpts))
	cmd.AddCommand(newRPCListCommand(rootOpts))
	cmd.AddCommand(newRPCClearCommand(rootOpts))
	cmd.AddCommand(newRPCDrainCommand(rootOpts))
	return cmd
}

func writeRequest(w io.Writer, s *rpcserver.Slot) {
	fmt.Fprintf(w, "id=%d request=%s action=%s tag=%s priority=%d state=%s",
		s.ID, s.RequestID, s.Action, s.Tag, s.Priority, s.State)
	if s.ReplyTo != "" {
		fmt.Fprintf(w, " reply_to=%s", s.ReplyTo)
	}
	fmt.Fprintf(w, " payload=%s\n", s.Payload)
}

func newRPCPushCommand(rootOpts *RootOptions) *cobra.Command {
	var req rpcserver.Request
	cmd := &cobra.Command{
		Use:   "push <server-path> <action> <payload|->",
		Short: "Queue a request in an empty server slot",
		Long: `Queue a request at server-path. Higher --priority requests are claimed
first. A request id is generated unless --request-id is given.

Example:
  kbq rpc push svc.rpc1 resize '{"w":640}' --tag img --priority 5 --reply-to cli.c1`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				payload, err := readPayload(cmd, args[2])
				if err != nil {
					return err
				}
				r := req
				r.ServerPath = args[0]
				r.Action = args[1]
				r.Payload = payload
				receipt, err := rpcserver.New(s.db, s.runner).PushRequest(ctx, r, nil)
				if err != nil {
					return err
				}
				return out.Emit(receipt, func(w io.Writer) {
					fmt.Fprintf(w, "queued request %s in slot %d\n", receipt.RequestID, receipt.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.Tag, "tag", "", "request tag (required)")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "claim priority, higher first")
	cmd.Flags().StringVar(&req.RequestID, "request-id", "", "request UUID (generated when empty)")
	cmd.Flags().StringVar(&req.ReplyTo, "reply-to", "", "client path to reply to")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func newRPCClaimCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <server-path>",
		Short: "Claim the highest-priority new request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				slot, err := rpcserver.New(s.db, s.runner).ClaimNext(ctx, args[0])
				if err != nil {
					return err
				}
				if slot == nil {
					return out.Empty("no new request")
				}
				return out.Emit(slot, func(w io.Writer) { writeRequest(w, slot) })
			})
		},
	}
}

func newRPCCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <server-path> <id>",
		Short: "Return a processing request's slot to empty",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				id, err := parseID(args[1])
				if err != nil {
					return err
				}
				done, err := rpcserver.New(s.db, s.runner).Complete(ctx, args[0], id)
				if err != nil {
					return err
				}
				if !done {
					return out.Empty(fmt.Sprintf("request slot %d is not processing", id))
				}
				return out.Emit(map[string]int64{"id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "completed request slot %d\n", id)
				})
			})
		},
	}
}

func newRPCCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count <server-path>",
		Short: "Show per-state slot counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				c, err := rpcserver.New(s.db, s.runner).Counts(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Emit(c, func(w io.Writer) {
					fmt.Fprintf(w, "empty=%d new_job=%d processing=%d total=%d\n", c.Empty, c.NewJob, c.Processing, c.Total())
				})
			})
		},
	}
}

func newRPCListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		lf    listFlags
		state string
	)
	cmd := &cobra.Command{
		Use:   "list <server-path>",
		Short: "List requests in one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				st, err := rpcserver.ParseState(state)
				if err != nil {
					return err
				}
				opts, err := lf.options()
				if err != nil {
					return err
				}
				slots, err := rpcserver.New(s.db, s.runner).ListByState(ctx, args[0], st, opts)
				if err != nil {
					return err
				}
				return out.Emit(slots, func(w io.Writer) {
					for i := range slots {
						writeRequest(w, &slots[i])
					}
				})
			})
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVar(&state, "state", string(rpcserver.StateNewJob), "empty, new_job, or processing")
	return cmd
}

func newRPCClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <server-path>",
		Short: "Reset every request slot to empty with a fresh request id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				n, err := rpcserver.New(s.db, s.runner).ClearQueue(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Emit(map[string]int64{"cleared": n}, func(w io.Writer) {
					fmt.Fprintf(w, "cleared %d slots\n", n)
				})
			})
		},
	}
}

func newRPCDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var df drainFlags
	cmd := &cobra.Command{
		Use:   "drain <server-path>",
		Short: "Claim, print, and complete requests until stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				q := rpcserver.New(s.db, s.runner)
				_, err := drain(ctx, rootOpts, s, df, func(ctx context.Context) (bool, error) {
					slot, err := q.ClaimNext(ctx, args[0])
					if err != nil || slot == nil {
						return false, err
					}
					if err := out.Emit(slot, func(w io.Writer) { writeRequest(w, slot) }); err != nil {
						return false, err
					}
					if _, err := q.Complete(ctx, args[0], slot.ID); err != nil {
						return false, err
					}
					return true, nil
				})
				return err
			})
		},
	}
	df.register(cmd)
	return cmd
}
