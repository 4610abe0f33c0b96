package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// defaultTelemetryTables maps read operations to SuzieQ tables.
var defaultTelemetryTables = map[string]string{
	"show_interfaces": "interfaces",
	"show_lldp":       "lldp",
	"show_vlans":      "vlan",
	"show_macs":       "macs",
	"show_bgp":        "bgp",
	"show_ospf":       "ospfNbr",
	"show_routes":     "routes",
	"show_device":     "device",
}

// Row states that mark a row as anomalous, lowercased.
var badStates = map[string]bool{
	"down":         true,
	"notconnected": true,
	"errdisabled":  true,
	"notestd":      true,
	"idle":         true,
	"connect":      true,
	"init":         true,
	"exstart":      true,
	"dead":         true,
}

type telemetryConfig struct {
	URL      string            `yaml:"url"`
	Token    string            `yaml:"access_token"`
	TokenEnv string            `yaml:"access_token_env"`
	Timeout  time.Duration     `yaml:"timeout"`
	Tables   map[string]string `yaml:"tables"`
}

// TelemetryAdapter queries a SuzieQ style telemetry REST API for the
// latest collected state of a device. Its observations are historical.
type TelemetryAdapter struct {
	name    string
	baseURL string
	token   string
	tables  map[string]string
	client  *http.Client
	now     func() time.Time
	logger  *logging.Logger
}

var _ dispatch.ToolAdapter = (*TelemetryAdapter)(nil)

// NewTelemetryAdapter is the Factory for type "telemetry".
func NewTelemetryAdapter(name string, cfg map[string]interface{}, _ *Inventory) (dispatch.ToolAdapter, error) {
	var c telemetryConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if c.URL == "" {
		return nil, fmt.Errorf("telemetry adapter requires 'url' in config")
	}
	if c.TokenEnv != "" {
		c.Token = os.Getenv(c.TokenEnv)
	}
	tables := make(map[string]string, len(defaultTelemetryTables)+len(c.Tables))
	for op, t := range defaultTelemetryTables {
		tables[op] = t
	}
	for op, t := range c.Tables {
		tables[op] = t
	}
	return &TelemetryAdapter{
		name:    name,
		baseURL: strings.TrimSuffix(c.URL, "/"),
		token:   c.Token,
		tables:  tables,
		client:  newHTTPClient(c.Timeout),
		now:     time.Now,
		logger:  logging.GetLogger("adapters.telemetry." + name),
	}, nil
}

func (a *TelemetryAdapter) Name() string { return a.name }

// Supports accepts reads whose operation maps to a table.
func (a *TelemetryAdapter) Supports(task types.DeviceTask) bool {
	if task.IsWrite() {
		return false
	}
	_, ok := a.tables[task.Operation]
	return ok
}

func (a *TelemetryAdapter) Execute(ctx context.Context, task types.DeviceTask) (types.ToolOutput, error) {
	table := a.tables[task.Operation]

	q := url.Values{}
	q.Set("hostname", task.DeviceID)
	q.Set("view", "latest")
	if ns, ok := task.Parameters["namespace"].(string); ok && ns != "" {
		q.Set("namespace", ns)
	}
	if a.token != "" {
		q.Set("access_token", a.token)
	}
	reqURL := fmt.Sprintf("%s/api/v2/%s/show?%s", a.baseURL, table, q.Encode())

	var rows []map[string]interface{}
	if err := getJSON(ctx, a.client, a.name, task.DeviceID, reqURL, nil, &rows); err != nil {
		return types.ToolOutput{}, err
	}
	if len(rows) == 0 {
		return types.ToolOutput{}, types.NewUnavailable(a.name, task.DeviceID, "no %s telemetry collected", table)
	}

	obs := a.interpret(table, rows)
	a.logger.WithContext(ctx).Debug("%s: %d %s rows, %d findings", task.DeviceID, len(rows), table, len(obs.Findings))
	return types.ToolOutput{
		Output:      fmt.Sprintf("%d %s rows", len(rows), table),
		Observation: obs,
	}, nil
}

// interpret flags rows in a bad state. Administratively disabled rows are
// intentional and skipped. ObservedAt is the oldest row timestamp so decay
// reflects the stalest data used.
func (a *TelemetryAdapter) interpret(table string, rows []map[string]interface{}) *types.Observation {
	obs := &types.Observation{Source: types.SourceHistorical}
	var oldest time.Time
	for _, row := range rows {
		if ts, ok := rowTime(row); ok && (oldest.IsZero() || ts.Before(oldest)) {
			oldest = ts
		}
		if strings.EqualFold(rowString(row, "adminState"), "down") {
			continue
		}
		state := rowString(row, "state")
		if state == "" || !badStates[strings.ToLower(state)] {
			continue
		}
		obs.Findings = append(obs.Findings, fmt.Sprintf("%s %s: state %s", table, rowKey(row), state))
	}
	sort.Strings(obs.Findings)
	if len(obs.Findings) > maxFindings {
		obs.Findings = obs.Findings[:maxFindings]
	}
	obs.Anomaly = len(obs.Findings) > 0
	obs.ObservedAt = oldest
	if oldest.IsZero() {
		obs.ObservedAt = a.now()
	}
	return obs
}

func rowString(row map[string]interface{}, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowKey(row map[string]interface{}) string {
	for _, k := range []string{"ifname", "peer", "vlanName", "prefix", "peerHostname", "vrf"} {
		if s := rowString(row, k); s != "" {
			return s
		}
	}
	return "-"
}

// rowTime reads SuzieQ's millisecond epoch "timestamp".
func rowTime(row map[string]interface{}) (time.Time, bool) {
	ms, ok := row["timestamp"].(float64)
	if !ok || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}
