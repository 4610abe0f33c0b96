package adapters

import (
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

var defaultCLICommands = map[string]string{
	"show_interfaces": "show interfaces",
	"show_lldp":       "show lldp neighbors",
	"show_vlans":      "show vlan brief",
	"show_bgp":        "show ip bgp summary",
	"show_ospf":       "show ip ospf neighbor",
	"show_routes":     "show ip route",
	"show_acl":        "show access-lists",
	"show_logging":    "show logging",
}

type cliConfig struct {
	sshOptions `yaml:",inline"`

	// Commands maps read operations to command templates rendered with the
	// task parameters plus .device and .platform. Entries override the defaults.
	Commands map[string]string `yaml:"commands"`

	// Writes maps write operations to command templates.
	Writes          map[string]string `yaml:"writes"`
	AnomalyPatterns []string          `yaml:"anomaly_patterns"`
}

// CLIAdapter runs commands over SSH exec sessions. It is the universal
// fallback for devices without NETCONF.
type CLIAdapter struct {
	name        string
	inv         *Inventory
	ssh         sshOptions
	commands    map[string]*template.Template
	writes      map[string]*template.Template
	interpreter *interpreter
	now         func() time.Time
	logger      *logging.Logger
}

var _ dispatch.ToolAdapter = (*CLIAdapter)(nil)

// NewCLIAdapter is the Factory for type "cli".
func NewCLIAdapter(name string, cfg map[string]interface{}, inv *Inventory) (dispatch.ToolAdapter, error) {
	var c cliConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if c.Port == 0 {
		c.Port = 22
	}
	in, err := newInterpreter(c.AnomalyPatterns)
	if err != nil {
		return nil, err
	}

	src := make(map[string]string, len(defaultCLICommands)+len(c.Commands))
	for op, cmd := range defaultCLICommands {
		src[op] = cmd
	}
	for op, cmd := range c.Commands {
		src[op] = cmd
	}
	commands, err := parseTemplates(name, src)
	if err != nil {
		return nil, err
	}
	writes, err := parseTemplates(name, c.Writes)
	if err != nil {
		return nil, err
	}

	return &CLIAdapter{
		name:        name,
		inv:         inv,
		ssh:         c.sshOptions,
		commands:    commands,
		writes:      writes,
		interpreter: in,
		now:         time.Now,
		logger:      logging.GetLogger("adapters.cli." + name),
	}, nil
}

func (a *CLIAdapter) Name() string { return a.name }

// Supports accepts inventoried devices and known commands of the task's kind.
func (a *CLIAdapter) Supports(task types.DeviceTask) bool {
	if _, ok := a.inv.Lookup(task.DeviceID); !ok {
		return false
	}
	_, ok := a.templates(task)[task.Operation]
	return ok
}

func (a *CLIAdapter) templates(task types.DeviceTask) map[string]*template.Template {
	if task.IsWrite() {
		return a.writes
	}
	return a.commands
}

func (a *CLIAdapter) Execute(ctx context.Context, task types.DeviceTask) (types.ToolOutput, error) {
	dev, ok := a.inv.Lookup(task.DeviceID)
	if !ok {
		return types.ToolOutput{}, types.NewUnavailable(a.name, task.DeviceID, "device not in inventory")
	}
	tmpl, ok := a.templates(task)[task.Operation]
	if !ok {
		return types.ToolOutput{}, types.NewUnavailable(a.name, task.DeviceID, "no command for %s", task.Operation)
	}
	cmd, err := render(tmpl, dev, task)
	if err != nil {
		return types.ToolOutput{}, err
	}

	client, closeClient, err := a.ssh.dial(ctx, a.name, dev)
	if err != nil {
		return types.ToolOutput{}, err
	}
	defer closeClient()

	sess, err := client.NewSession()
	if err != nil {
		return types.ToolOutput{}, fmt.Errorf("open session on %s: %w", dev.ID, err)
	}
	defer sess.Close()

	a.logger.WithContext(ctx).Debug("%s: running %q", dev.ID, cmd)
	raw, err := sess.CombinedOutput(cmd)
	output := string(raw)
	if err != nil {
		if ctx.Err() != nil {
			return types.ToolOutput{}, ctx.Err()
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return types.ToolOutput{}, fmt.Errorf("%q exited with status %d: %s", cmd, exitErr.ExitStatus(), truncate(output, 200))
		}
		return types.ToolOutput{}, fmt.Errorf("run %q on %s: %w", cmd, dev.ID, err)
	}

	out := types.ToolOutput{Output: output}
	if !task.IsWrite() {
		obs, err := a.interpreter.observe(task, output, types.SourceRealtime, a.now())
		if err != nil {
			return types.ToolOutput{}, err
		}
		out.Observation = obs
	}
	return out, nil
}
