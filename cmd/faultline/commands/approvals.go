package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/report"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/engine"
)

var (
	decisionComment string
	decisionBy      string
	decisionSets    []string
	recordOnly      bool
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide change plans waiting for approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending change plans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			pending, err := e.Gate().Pending(ctx)
			if err != nil {
				return err
			}
			return listPlans(cmd.OutOrStdout(), pending)
		})
	},
}

var approvalsShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a change plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			cp, err := e.Gate().Load(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, renderPlan(cp.Plan))
			fmt.Fprintf(w, "Status: %s\n", cp.Plan.Status)
			if cp.State != nil {
				fmt.Fprintf(w, "Fault:  %s\n", cp.State.Query)
			}
			if len(cp.ReadTasks) > 0 {
				fmt.Fprintf(w, "Reads held with the plan: %d\n", len(cp.ReadTasks))
			}
			return nil
		})
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <plan-id>",
	Short: "Approve a change plan and resume its run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], types.Decision{Status: types.PlanApproved})
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <plan-id>",
	Short: "Reject a change plan; none of its writes run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], types.Decision{Status: types.PlanRejected})
	},
}

var approvalsEditCmd = &cobra.Command{
	Use:     "edit <plan-id>",
	Short:   "Approve a change plan with edited task parameters",
	Example: `  faultline approvals edit plan-1234 --set w2-link-SW1-0.vlan=120`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		edits, err := parseSets(decisionSets)
		if err != nil {
			return err
		}
		return decide(cmd, args[0], types.Decision{Status: types.PlanEdited, Edits: edits})
	},
}

var approvalsRunCmd = &cobra.Command{
	Use:   "run <plan-id>",
	Short: "Run a change plan decided with --record-only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := report.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			out, err := e.Supervisor().Resume(ctx, args[0], nil)
			if errors.Is(err, types.ErrDecisionDeferred) {
				return fmt.Errorf("plan %s has no decision yet", args[0])
			}
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), out, format)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd, approvalsEditCmd} {
		c.Flags().StringVarP(&decisionComment, "comment", "m", "", "Comment stored with the decision")
		c.Flags().StringVar(&decisionBy, "by", currentUser(), "Who decided")
		c.Flags().BoolVar(&recordOnly, "record-only", false, "Store the decision and leave the run to serve or \"approvals run\"")
		c.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, yaml or json")
	}
	approvalsEditCmd.Flags().StringArrayVar(&decisionSets, "set", nil, "TASK.param=value, repeatable")
	_ = approvalsEditCmd.MarkFlagRequired("set")
	approvalsRunCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, yaml or json")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsShowCmd, approvalsApproveCmd, approvalsRejectCmd, approvalsEditCmd, approvalsRunCmd)
}

// withEngine builds an engine whose channel defers, so nothing prompts.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx, engine.Options{Channel: approval.DeferredChannel{}})
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

// decide records d and resumes the suspended run to completion. With
// --record-only the run is left to whichever process claims it.
func decide(cmd *cobra.Command, planID string, d types.Decision) error {
	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	d.Comment = decisionComment
	d.DecidedBy = decisionBy
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		if recordOnly {
			cp, err := e.Gate().Record(ctx, planID, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Plan %s %s; a running serve or \"faultline approvals run %s\" executes it.\n",
				cp.PlanID, cp.Plan.Status, cp.PlanID)
			return nil
		}
		out, err := e.Supervisor().Resume(ctx, planID, &d)
		if err != nil {
			return err
		}
		return printOutcome(cmd.OutOrStdout(), out, format)
	})
}

func listPlans(w io.Writer, plans []types.Checkpoint) error {
	if len(plans) == 0 {
		fmt.Fprintln(w, "No change plans waiting for approval.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tMODE\tROUND\tTASKS\tDEVICES\tCREATED")
	for _, cp := range plans {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%v\t%s\n",
			cp.PlanID, cp.Mode, cp.Plan.Round, len(cp.Plan.Tasks), cp.Plan.Devices(), cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
