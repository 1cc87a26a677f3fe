package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/rpcclient"
)

// NewReplyCommand creates the reply command group for client reply queues.
func NewReplyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Deliver and collect RPC replies",
	}
	cmd.AddCommand(newReplyPushCommand(rootOpts))
	cmd.AddCommand(newReplyClaimCommand(rootOpts))
	cmd.AddCommand(newReplyCountCommand(rootOpts))
	cmd.AddCommand(newReplyListCommand(rootOpts))
	cmd.AddCommand(newReplyClearCommand(rootOpts))
	return cmd
}

func writeReply(w io.Writer, s *rpcclient.Slot) {
	fmt.Fprintf(w, "id=%d request=%s from=%s action=%s tag=%s delivered=%s payload=%s\n",
		s.ID, s.RequestID, s.ServerPath, s.Action, s.Tag, formatTime(&s.DeliveredAt), s.Payload)
}

func newReplyPushCommand(rootOpts *RootOptions) *cobra.Command {
	var r rpcclient.Reply
	cmd := &cobra.Command{
		Use:   "push <client-path> <request-id> <payload|->",
		Short: "Deliver a reply into a free client slot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				payload, err := readPayload(cmd, args[2])
				if err != nil {
					return err
				}
				reply := r
				reply.ClientPath = args[0]
				reply.RequestID = args[1]
				reply.Payload = payload
				id, err := rpcclient.New(s.db, s.runner).PushReply(ctx, reply)
				if err != nil {
					return err
				}
				return out.Emit(map[string]int64{"id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "delivered reply to slot %d\n", id)
				})
			})
		},
	}
	cmd.Flags().StringVar(&r.ServerPath, "server-path", "", "path of the server that handled the request (required)")
	cmd.Flags().StringVar(&r.Action, "action", "", "action of the request (required)")
	cmd.Flags().StringVar(&r.Tag, "tag", "", "tag of the request (required)")
	_ = cmd.MarkFlagRequired("server-path")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

func newReplyClaimCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <client-path>",
		Short: "Read and acknowledge the oldest pending reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				slot, err := rpcclient.New(s.db, s.runner).ClaimReply(ctx, args[0])
				if err != nil {
					return err
				}
				if slot == nil {
					return out.Empty("no pending reply")
				}
				return out.Emit(slot, func(w io.Writer) { writeReply(w, slot) })
			})
		},
	}
}

func newReplyCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count <client-path>",
		Short: "Show free and queued reply slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				q := rpcclient.New(s.db, s.runner)
				free, err := q.FreeSlots(ctx, args[0])
				if err != nil {
					return err
				}
				queued, err := q.QueuedSlots(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Emit(map[string]int64{"free": free, "queued": queued}, func(w io.Writer) {
					fmt.Fprintf(w, "free=%d queued=%d\n", free, queued)
				})
			})
		},
	}
}

func newReplyListCommand(rootOpts *RootOptions) *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "list <client-path>",
		Short: "List pending replies without acknowledging them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				opts, err := lf.options()
				if err != nil {
					return err
				}
				slots, err := rpcclient.New(s.db, s.runner).ListPending(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return out.Emit(slots, func(w io.Writer) {
					for i := range slots {
						writeReply(w, &slots[i])
					}
				})
			})
		},
	}
	lf.register(cmd)
	return cmd
}

func newReplyClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <client-path>",
		Short: "Mark every reply slot free",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				n, err := rpcclient.New(s.db, s.runner).ClearReplyQueue(ctx, args[0])
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
