package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/jobqueue"
)

// NewJobCommand creates the job command group.
func NewJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Push, claim, and complete jobs in a job queue",
	}
	cmd.AddCommand(newJobPushCommand(rootOpts))
	cmd.AddCommand(newJobClaimCommand(rootOpts))
	cmd.AddCommand(newJobCompleteCommand(rootOpts))
	cmd.AddCommand(newJobCountCommand(rootOpts))
	cmd.AddCommand(newJobListCommand(rootOpts))
	cmd.AddCommand(newJobClearCommand(rootOpts))
	cmd.AddCommand(newJobDrainCommand(rootOpts))
	return cmd
}

func writeJob(w io.Writer, j *jobqueue.Job) {
	fmt.Fprintf(w, "id=%d path=%s scheduled=%s started=%s payload=%s\n",
		j.ID, j.Path, formatTime(j.ScheduledAt), formatTime(j.StartedAt), j.Payload)
}

func newJobPushCommand(rootOpts *RootOptions) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "push <path> <payload|->",
		Short: "Store a job in a free slot",
		Long: `Store a JSON payload in a free slot of the job queue at path.

With --delay the job becomes claimable only after the delay has passed on
the database clock. A full queue is reported as an empty result.

Example:
  kbq job push svc.worker1 '{"task":"resize"}'
  echo '{"task":"resize"}' | kbq job push svc.worker1 - --delay 30s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				payload, err := readPayload(cmd, args[1])
				if err != nil {
					return err
				}
				id, err := jobqueue.New(s.db, s.runner).PushDelayed(ctx, args[0], payload, delay)
				if err != nil {
					return err
				}
				return out.Emit(map[string]int64{"id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "pushed job %d\n", id)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes claimable")
	return cmd
}

func newJobClaimCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <path>",
		Short: "Claim the next scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				job, err := jobqueue.New(s.db, s.runner).Claim(ctx, args[0])
				if err != nil {
					return err
				}
				if job == nil {
					return out.Empty("no claimable job")
				}
				return out.Emit(job, func(w io.Writer) { writeJob(w, job) })
			})
		},
	}
}

func newJobCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Return a job's slot to the free pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				done, err := jobqueue.New(s.db, s.runner).Complete(ctx, id)
				if err != nil {
					return err
				}
				if !done {
					return out.Empty(fmt.Sprintf("job %d not found or already completed", id))
				}
				return out.Emit(map[string]int64{"id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "completed job %d\n", id)
				})
			})
		},
	}
}

func newJobCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count <path>",
		Short: "Show free, pending, and active slot counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				c, err := jobqueue.New(s.db, s.runner).Counts(ctx, args[0])
				if err != nil {
					return err
				}
				return out.Emit(c, func(w io.Writer) {
					fmt.Fprintf(w, "free=%d pending=%d active=%d capacity=%d\n", c.Free, c.Pending, c.Active, c.Capacity)
				})
			})
		},
	}
}

func newJobListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		lf    listFlags
		state string
	)
	cmd := &cobra.Command{
		Use:   "list <path>",
		Short: "List pending, active, or completed jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				opts, err := lf.options()
				if err != nil {
					return err
				}
				q := jobqueue.New(s.db, s.runner)
				var jobs []jobqueue.Job
				switch state {
				case "pending":
					jobs, err = q.ListPending(ctx, args[0], opts)
				case "active":
					jobs, err = q.ListActive(ctx, args[0], opts)
				case "completed":
					jobs, err = q.ListCompleted(ctx, args[0], opts)
				default:
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid state %q: must be pending, active, or completed", state))
				}
				if err != nil {
					return err
				}
				return out.Emit(jobs, func(w io.Writer) {
					for i := range jobs {
						writeJob(w, &jobs[i])
					}
				})
			})
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVar(&state, "state", "pending", "pending, active, or completed")
	return cmd
}

func newJobClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <path>",
		Short: "Reset every slot of a job queue to free",
		Long: `Reset every slot of the job queue at path to the free baseline.

Clear locks the whole job table while it runs and blocks every job queue
operation on every path. Use it in maintenance windows only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				n, err := jobqueue.New(s.db, s.runner).Clear(ctx, args[0])
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

func newJobDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var df drainFlags
	cmd := &cobra.Command{
		Use:   "drain <path>",
		Short: "Claim, print, and complete jobs until stopped",
		Long: `Claim jobs from path one at a time, print each, and complete it.

Idle polls are paced by poll.rate and poll.burst from the configuration.
The loop ends on interrupt, after --max jobs, or with --exit-when-idle at
the first empty poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				q := jobqueue.New(s.db, s.runner)
				_, err := drain(ctx, rootOpts, s, df, func(ctx context.Context) (bool, error) {
					job, err := q.Claim(ctx, args[0])
					if err != nil || job == nil {
						return false, err
					}
					if err := out.Emit(job, func(w io.Writer) { writeJob(w, job) }); err != nil {
						return false, err
					}
					if _, err := q.Complete(ctx, job.ID); err != nil {
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
