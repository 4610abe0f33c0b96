package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// netconfDelimiter frames NETCONF 1.0 messages.
const netconfDelimiter = "]]>]]>"

const netconfHello = `<?xml version="1.0" encoding="UTF-8"?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><capabilities><capability>urn:ietf:params:netconf:base:1.0</capability></capabilities></hello>`

type netconfConfig struct {
	sshOptions `yaml:",inline"`

	// Reads maps read operations to subtree filters for <get-config>.
	Reads map[string]string `yaml:"reads"`

	// Writes maps write operations to <config> templates rendered with
	// the task parameters.
	Writes map[string]string `yaml:"writes"`

	// Target is the datastore edits go to; "candidate" is committed after the edit.
	Target          string   `yaml:"target"`
	AnomalyPatterns []string `yaml:"anomaly_patterns"`
}

// NetconfAdapter talks NETCONF over the SSH "netconf" subsystem. Every
// call opens and closes its own session.
type NetconfAdapter struct {
	name        string
	inv         *Inventory
	ssh         sshOptions
	reads       map[string]string
	writes      map[string]*template.Template
	target      string
	interpreter *interpreter
	now         func() time.Time
	logger      *logging.Logger
}

var _ dispatch.ToolAdapter = (*NetconfAdapter)(nil)

// NewNetconfAdapter is the Factory for type "netconf".
func NewNetconfAdapter(name string, cfg map[string]interface{}, inv *Inventory) (dispatch.ToolAdapter, error) {
	var c netconfConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if c.Port == 0 {
		c.Port = 830
	}
	if c.Target == "" {
		c.Target = "running"
	}
	if c.Target != "running" && c.Target != "candidate" {
		return nil, fmt.Errorf("netconf target must be running or candidate, got %q", c.Target)
	}
	in, err := newInterpreter(c.AnomalyPatterns)
	if err != nil {
		return nil, err
	}
	writes, err := parseTemplates(name, c.Writes)
	if err != nil {
		return nil, err
	}
	reads := map[string]string{"get_config": ""}
	for op, filter := range c.Reads {
		reads[op] = filter
	}
	if _, ok := writes["edit_config"]; !ok {
		writes["edit_config"] = template.Must(template.New("edit_config").Parse(`{{.config}}`))
	}

	return &NetconfAdapter{
		name:        name,
		inv:         inv,
		ssh:         c.sshOptions,
		reads:       reads,
		writes:      writes,
		target:      c.Target,
		interpreter: in,
		now:         time.Now,
		logger:      logging.GetLogger("adapters.netconf." + name),
	}, nil
}

func (a *NetconfAdapter) Name() string { return a.name }

// Supports accepts known operations on inventoried devices.
func (a *NetconfAdapter) Supports(task types.DeviceTask) bool {
	if _, ok := a.inv.Lookup(task.DeviceID); !ok {
		return false
	}
	if task.IsWrite() {
		_, ok := a.writes[task.Operation]
		return ok
	}
	_, ok := a.reads[task.Operation]
	return ok
}

func (a *NetconfAdapter) Execute(ctx context.Context, task types.DeviceTask) (types.ToolOutput, error) {
	dev, ok := a.inv.Lookup(task.DeviceID)
	if !ok {
		return types.ToolOutput{}, types.NewUnavailable(a.name, task.DeviceID, "device not in inventory")
	}

	var rpcs []string
	if task.IsWrite() {
		cfg, err := render(a.writes[task.Operation], dev, task)
		if err != nil {
			return types.ToolOutput{}, err
		}
		rpcs = append(rpcs, fmt.Sprintf(`<edit-config><target><%s/></target><config>%s</config></edit-config>`, a.target, cfg))
		if a.target == "candidate" {
			rpcs = append(rpcs, `<commit/>`)
		}
	} else {
		filter := a.reads[task.Operation]
		if f, ok := task.Parameters["filter"].(string); ok && f != "" {
			filter = f
		}
		if filter != "" {
			filter = `<filter type="subtree">` + filter + `</filter>`
		}
		rpcs = append(rpcs, `<get-config><source><running/></source>`+filter+`</get-config>`)
	}

	client, closeClient, err := a.ssh.dial(ctx, a.name, dev)
	if err != nil {
		return types.ToolOutput{}, err
	}
	defer closeClient()

	replies, err := a.exchange(client, dev, rpcs)
	if err != nil {
		if ctx.Err() != nil {
			return types.ToolOutput{}, ctx.Err()
		}
		return types.ToolOutput{}, err
	}

	out := types.ToolOutput{Output: strings.Join(replies, "\n")}
	if !task.IsWrite() {
		obs, err := a.interpreter.observe(task, dataLines(replies[0]), types.SourceRealtime, a.now())
		if err != nil {
			return types.ToolOutput{}, err
		}
		out.Observation = obs
	}
	a.logger.WithContext(ctx).Debug("%s: %s via netconf (%d rpcs)", task.DeviceID, task.Operation, len(rpcs))
	return out, nil
}

// exchange runs hello, the given RPCs and close-session on one session
// and returns the rpc-reply of each RPC.
func (a *NetconfAdapter) exchange(client *ssh.Client, dev Device, rpcs []string) ([]string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", dev.ID, err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := sess.RequestSubsystem("netconf"); err != nil {
		return nil, types.NewUnavailable(a.name, dev.ID, "netconf subsystem refused: %v", err)
	}

	r := bufio.NewReader(stdout)
	if _, err := readMessage(r); err != nil {
		return nil, fmt.Errorf("read server hello from %s: %w", dev.ID, err)
	}
	if err := writeMessage(stdin, netconfHello); err != nil {
		return nil, err
	}

	replies := make([]string, 0, len(rpcs))
	for i, body := range rpcs {
		rpc := fmt.Sprintf(`<rpc message-id="%d" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">%s</rpc>`, i+1, body)
		if err := writeMessage(stdin, rpc); err != nil {
			return nil, err
		}
		reply, err := readMessage(r)
		if err != nil {
			return nil, fmt.Errorf("read rpc-reply from %s: %w", dev.ID, err)
		}
		if err := replyError(reply); err != nil {
			return nil, err
		}
		replies = append(replies, reply)
	}

	_ = writeMessage(stdin, `<rpc message-id="close" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><close-session/></rpc>`)
	return replies, nil
}

func writeMessage(w io.Writer, msg string) error {
	_, err := io.WriteString(w, msg+netconfDelimiter)
	return err
}

// readMessage reads one delimiter-framed message.
func readMessage(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		buf.WriteByte(b)
		if b == '>' && bytes.HasSuffix(buf.Bytes(), []byte(netconfDelimiter)) {
			return strings.TrimSpace(string(buf.Bytes()[:buf.Len()-len(netconfDelimiter)])), nil
		}
	}
}

type rpcReply struct {
	Errors []struct {
		Severity string `xml:"error-severity"`
		Tag      string `xml:"error-tag"`
		Message  string `xml:"error-message"`
	} `xml:"rpc-error"`
	Data struct {
		Inner string `xml:",innerxml"`
	} `xml:"data"`
}

// replyError returns the first error-severity rpc-error of reply.
func replyError(reply string) error {
	var r rpcReply
	if err := xml.Unmarshal([]byte(reply), &r); err != nil {
		return fmt.Errorf("malformed rpc-reply: %w", err)
	}
	for _, e := range r.Errors {
		if e.Severity == "warning" {
			continue
		}
		return fmt.Errorf("rpc-error %s: %s", e.Tag, strings.TrimSpace(e.Message))
	}
	return nil
}

// dataLines renders the <data> of a reply one element per line so the
// interpreter can match element text.
func dataLines(reply string) string {
	var r rpcReply
	if err := xml.Unmarshal([]byte(reply), &r); err != nil {
		return reply
	}
	d := xml.NewDecoder(strings.NewReader(r.Data.Inner))
	var lines []string
	var path []string
	for {
		tok, err := d.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
		case xml.EndElement:
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		case xml.CharData:
			if text := strings.TrimSpace(string(t)); text != "" && len(path) > 0 {
				lines = append(lines, strings.Join(path, "/")+" "+text)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// parseTemplates compiles operation templates.
func parseTemplates(adapter string, src map[string]string) (map[string]*template.Template, error) {
	out := make(map[string]*template.Template, len(src))
	for op, text := range src {
		tmpl, err := template.New(op).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid template for %s: %w", adapter, op, err)
		}
		out[op] = tmpl
	}
	return out, nil
}

// render executes tmpl with the task parameters plus device and platform.
func render(tmpl *template.Template, dev Device, task types.DeviceTask) (string, error) {
	data := make(map[string]interface{}, len(task.Parameters)+2)
	for k, v := range task.Parameters {
		data[k] = v
	}
	data["device"] = dev.ID
	data["platform"] = dev.Platform
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s for %s: %w", task.Operation, task.TaskID, err)
	}
	return buf.String(), nil
}
