package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/engine"
	"github.com/moolen/faultline/internal/logging"
)

const Version = "0.1.0"

var (
	logLevelFlags []string // repeatable --log-level
	configPath    string
)

var rootCmd = &cobra.Command{
	Use:   "faultline",
	Short: "Faultline - network fault diagnosis and batch change execution",
	Long: `Faultline drives multi-round, multi-device network investigations toward a
root cause, and runs batches of device changes behind a single human approval.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLog(logLevelFlags)
	},
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	// Per-package levels: --log-level debug --log-level diagnosis.dispatch=debug
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level for packages. Use 'level' or 'default=level' for the default, 'package.name=level' per package.\n"+
			"Examples: --log-level debug, --log-level supervisor=debug --log-level adapters.*=warn")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getEnv("FAULTLINE_CONFIG", "faultline.yaml"),
		"Path to the engine configuration file")

	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(serveCmd)
}

// openEngine loads --config and builds the engine.
func openEngine(ctx context.Context, opts engine.Options, mutate ...func(*config.Config)) (*engine.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(cfg)
	}
	return engine.New(ctx, cfg, opts)
}

func setupLog(flags []string) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(flags, os.Environ())
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags merges LOG_LEVEL_<PKG> environment variables with the
// --log-level flags; flags win. The "default" key is returned separately.
func parseLogLevelFlags(flags, environ []string) (string, map[string]string, error) {
	levels := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "LOG_LEVEL_") {
			continue
		}
		levels[envKeyToPackage(key)] = value
	}
	for _, flag := range flags {
		if pkg, level, ok := strings.Cut(flag, "="); ok {
			levels[pkg] = level
		} else {
			levels["default"] = flag
		}
	}

	defaultLevel := "info"
	if level, ok := levels["default"]; ok {
		defaultLevel = level
		delete(levels, "default")
	}
	if !logging.ValidLevel(defaultLevel) {
		return "", nil, fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error, fatal)", defaultLevel)
	}
	for pkg, level := range levels {
		if !logging.ValidLevel(level) {
			return "", nil, fmt.Errorf("invalid log level for package %q: %s", pkg, level)
		}
	}
	return defaultLevel, levels, nil
}

// envKeyToPackage converts LOG_LEVEL_DIAGNOSIS_DISPATCH to diagnosis.dispatch.
func envKeyToPackage(key string) string {
	name := strings.TrimPrefix(key, "LOG_LEVEL_")
	return strings.ToLower(strings.ReplaceAll(name, "_", "."))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
