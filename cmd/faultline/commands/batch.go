package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moolen/faultline/internal/diagnosis/report"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/engine"
)

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run a batch of device tasks",
	Long: `Run every task of a YAML task file in parallel. When the batch contains
write tasks, all of them are presented for approval as one change plan
first; a rejected plan runs nothing.`,
	Example: `  faultline batch --file vlan-rollout.yaml --output json`,
	RunE:    runBatch,
}

// batchFile is the task file layout.
type batchFile struct {
	Tasks []types.DeviceTask `yaml:"tasks"`
}

func init() {
	batchCmd.Flags().StringVarP(&batchFile, "file", "f", "", "YAML task file (required)")
	batchCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, yaml or json")
	_ = batchCmd.MarkFlagRequired("file")
}

func loadBatchFile(path string) ([]types.DeviceTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	for i := range bf.Tasks {
		if bf.Tasks[i].TaskID == "" {
			bf.Tasks[i].TaskID = fmt.Sprintf("task-%d", i+1)
		}
	}
	return bf.Tasks, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	tasks, err := loadBatchFile(batchFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e, err := openEngine(ctx, engine.Options{Channel: approvalChannel()})
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := e.Supervisor().RunBatch(ctx, tasks)
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), out, format)
}
