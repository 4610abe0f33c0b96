package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/diagnosis/report"
	"github.com/moolen/faultline/internal/diagnosis/supervisor"
	"github.com/moolen/faultline/internal/engine"
)

var (
	investigateQuery     string
	investigatePath      []string
	investigateMaxRounds int
	outputFormat         string
)

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Investigate a network fault along a device path",
	Long: `Run a multi-round investigation of a fault along the given device path and
print the diagnosis report.

Write tasks proposed during the investigation are shown for approval when
stdin is a terminal. Otherwise the investigation suspends and prints the
plan ID to decide with "faultline approvals".`,
	Example: `  faultline investigate --query "SW1 cannot reach R2" --path SW1,R1,R2
  faultline investigate -q "BGP flapping on R1" -p R1,R2 --output yaml`,
	RunE: runInvestigate,
}

func init() {
	investigateCmd.Flags().StringVarP(&investigateQuery, "query", "q", "", "Fault description (required)")
	investigateCmd.Flags().StringSliceVarP(&investigatePath, "path", "p", nil, "Devices along the fault path, comma separated (required)")
	investigateCmd.Flags().IntVar(&investigateMaxRounds, "max-rounds", 0, "Override investigation.max_rounds")
	investigateCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, yaml or json")
	_ = investigateCmd.MarkFlagRequired("query")
	_ = investigateCmd.MarkFlagRequired("path")
}

func runInvestigate(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx, engine.Options{Channel: approvalChannel()}, func(cfg *config.Config) {
		if investigateMaxRounds > 0 {
			cfg.Investigation.MaxRounds = investigateMaxRounds
		}
	})
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := e.Supervisor().Run(ctx, investigateQuery, trimAll(investigatePath))
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), out, format)
}

// printOutcome renders whichever part of out is set.
func printOutcome(w io.Writer, out supervisor.Outcome, format report.Format) error {
	switch {
	case out.Suspended:
		fmt.Fprintf(w, "Waiting for approval of change plan %s.\n", out.PlanID)
		fmt.Fprintf(w, "Decide with: faultline approvals approve|reject|edit %s\n", out.PlanID)
		return nil
	case out.Report != nil:
		return report.Render(w, *out.Report, format)
	case out.Batch != nil:
		return report.RenderBatch(w, *out.Batch, format)
	default:
		return errors.New("run produced no report")
	}
}

// trimAll drops empty entries and surrounding spaces from a flag list.
func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
