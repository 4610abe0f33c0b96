package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/types"
)

var (
	colorPrimary = lipgloss.Color("#00D4FF")
	colorWarning = lipgloss.Color("#F59E0B")
	colorMuted   = lipgloss.Color("#6B7280")

	planBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorWarning).
			Padding(0, 1)

	planTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWarning)

	taskDeviceStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	rollbackStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	promptStyle = lipgloss.NewStyle().
			Bold(true)
)

// approvalChannel picks the terminal prompt when stdin is interactive;
// otherwise plans are deferred and decided with "faultline approvals".
func approvalChannel() approval.Channel {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return newTerminalChannel(os.Stdin, os.Stderr, currentUser())
	}
	return approval.DeferredChannel{}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "terminal"
}

// terminalChannel renders a change plan and asks for one verdict on the
// whole batch: approve, edit parameters, or reject.
type terminalChannel struct {
	in   *bufio.Reader
	out  io.Writer
	user string
}

func newTerminalChannel(in io.Reader, out io.Writer, user string) *terminalChannel {
	return &terminalChannel{in: bufio.NewReader(in), out: out, user: user}
}

// Present implements approval.Channel. End of input defers the plan.
func (c *terminalChannel) Present(ctx context.Context, plan types.BatchChangePlan) (types.Decision, error) {
	fmt.Fprintln(c.out, renderPlan(plan))
	for {
		answer, err := c.ask(ctx, "Approve this change plan? [y]es / [e]dit / [n]o: ")
		if err != nil {
			return types.Decision{}, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return types.Decision{Status: types.PlanApproved, DecidedBy: c.user}, nil
		case "n", "no":
			comment, err := c.ask(ctx, "Reason (optional): ")
			if err != nil {
				return types.Decision{}, err
			}
			return types.Decision{Status: types.PlanRejected, DecidedBy: c.user, Comment: comment}, nil
		case "e", "edit":
			edits, err := c.readEdits(ctx, plan)
			if err != nil {
				return types.Decision{}, err
			}
			if len(edits) == 0 {
				fmt.Fprintln(c.out, "No edits given.")
				continue
			}
			return types.Decision{Status: types.PlanEdited, DecidedBy: c.user, Edits: edits}, nil
		default:
			fmt.Fprintf(c.out, "Unrecognised answer %q.\n", answer)
		}
	}
}

func (c *terminalChannel) readEdits(ctx context.Context, plan types.BatchChangePlan) (map[string]map[string]interface{}, error) {
	fmt.Fprintln(c.out, "Enter TASK.param=value lines, an empty line to finish.")
	var sets []string
	for {
		line, err := c.ask(ctx, "> ")
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		sets = append(sets, line)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	edits, err := parseSets(sets)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return nil, nil
	}
	if err := plan.ValidateDecision(types.Decision{Status: types.PlanEdited, Edits: edits}); err != nil {
		fmt.Fprintln(c.out, err)
		return nil, nil
	}
	return edits, nil
}

// ask prints prompt and reads one trimmed line. Reading happens on a
// separate goroutine so ctx can abandon it.
func (c *terminalChannel) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(c.out, promptStyle.Render(prompt))
	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := c.in.ReadString('\n')
		ch <- line{strings.TrimSpace(text), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-ch:
		if l.err == io.EOF && l.text == "" {
			fmt.Fprintln(c.out)
			return "", types.ErrDecisionDeferred
		}
		if l.err != nil && l.err != io.EOF {
			return "", l.err
		}
		return l.text, nil
	}
}

// renderPlan draws a plan as a bordered box.
func renderPlan(plan types.BatchChangePlan) string {
	var b strings.Builder
	b.WriteString(planTitleStyle.Render(fmt.Sprintf("Change plan %s", plan.PlanID)))
	if plan.InvestigationID != "" {
		fmt.Fprintf(&b, "\nfor %s, round %d", plan.InvestigationID, plan.Round)
	}
	fmt.Fprintf(&b, "\n%d write tasks on %s\n", len(plan.Tasks), strings.Join(plan.Devices(), ", "))
	for _, t := range plan.Tasks {
		fmt.Fprintf(&b, "\n%s %s  %s", taskDeviceStyle.Render(t.DeviceID), t.Operation, t.TaskID)
		keys := make([]string, 0, len(t.Parameters))
		for k := range t.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n    %s = %v", k, t.Parameters[k])
		}
		if t.Rollback != "" {
			b.WriteString("\n    " + rollbackStyle.Render("rollback: "+t.Rollback))
		}
	}
	return planBoxStyle.Render(b.String())
}

// parseSets turns TASK.param=value pairs into decision edits. Values are
// parsed as YAML scalars so numbers and booleans keep their type.
func parseSets(sets []string) (map[string]map[string]interface{}, error) {
	edits := make(map[string]map[string]interface{})
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid edit %q: want TASK.param=value", s)
		}
		taskID, param, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok || taskID == "" || param == "" {
			return nil, fmt.Errorf("invalid edit %q: want TASK.param=value", s)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = strings.TrimSpace(raw)
		}
		if edits[taskID] == nil {
			edits[taskID] = make(map[string]interface{})
		}
		edits[taskID][param] = value
	}
	return edits, nil
}
