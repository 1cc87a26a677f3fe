package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/provision"
)

// NewProvisionCommand creates the provision command group.
func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Plan and apply slot pools from a CUE manifest",
	}
	cmd.AddCommand(newProvisionPlanCommand(rootOpts))
	cmd.AddCommand(newProvisionApplyCommand(rootOpts))
	return cmd
}

type planResult struct {
	Pools   provision.Plan `json:"pools"`
	Slots   int            `json:"slots"`
	Applied bool           `json:"applied"`
}

func loadPlan(file string) (provision.Plan, error) {
	plan, err := provision.LoadManifest(file)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load manifest", err)
	}
	return plan, nil
}

func describe(plan provision.Plan, applied bool) func(w io.Writer) {
	return func(w io.Writer) {
		_ = plan.Describe(w)
		if applied {
			fmt.Fprintln(w, "applied")
		}
	}
}

func newProvisionPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <manifest.cue>",
		Short: "Show the pools a manifest declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			plan, err := loadPlan(args[0])
			if err != nil {
				return out.Fail(err)
			}
			return out.Emit(planResult{Pools: plan, Slots: plan.Slots()}, describe(plan, false))
		},
	}
}

func newProvisionApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <manifest.cue>",
		Short: "Create the schema and reset the declared pools",
		Long: `Create the schema if missing, then delete and re-insert the baseline
rows of every pool the manifest declares, in one transaction.

Applying resets the declared pools: queued jobs, requests, replies, and
stream entries on those paths are discarded. Paths not in the manifest are
left alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(args[0])
			if err != nil {
				return rootOpts.formatter(cmd).Fail(err)
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				if err := provision.Apply(ctx, s.runner, plan); err != nil {
					return err
				}
				return out.Emit(planResult{Pools: plan, Slots: plan.Slots(), Applied: true}, describe(plan, true))
			})
		},
	}
}
