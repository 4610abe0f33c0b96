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

type cmdbConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	TokenEnv   string        `yaml:"token_env"`
	Timeout    time.Duration `yaml:"timeout"`
	Operations []string      `yaml:"operations"`
}

// cmdbDevice is the CMDB record of a device.
type cmdbDevice struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Role        string            `json:"role"`
	Platform    string            `json:"platform"`
	Site        string            `json:"site"`
	Attributes  map[string]string `json:"attributes"`
	LastUpdated time.Time         `json:"last_updated"`
}

// CMDBAdapter looks devices up in a configuration management database. A
// device whose recorded status is not active is an anomaly; a task may also
// assert expected attributes through its "expect" parameter.
type CMDBAdapter struct {
	name       string
	baseURL    string
	token      string
	operations map[string]bool
	client     *http.Client
	now        func() time.Time
	logger     *logging.Logger
}

var _ dispatch.ToolAdapter = (*CMDBAdapter)(nil)

// NewCMDBAdapter is the Factory for type "cmdb".
func NewCMDBAdapter(name string, cfg map[string]interface{}, _ *Inventory) (dispatch.ToolAdapter, error) {
	var c cmdbConfig
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, err
	}
	if c.URL == "" {
		return nil, fmt.Errorf("cmdb adapter requires 'url' in config")
	}
	if c.TokenEnv != "" {
		c.Token = os.Getenv(c.TokenEnv)
	}
	if len(c.Operations) == 0 {
		c.Operations = []string{"cmdb_lookup", "show_inventory"}
	}
	ops := make(map[string]bool, len(c.Operations))
	for _, op := range c.Operations {
		ops[op] = true
	}
	return &CMDBAdapter{
		name:       name,
		baseURL:    strings.TrimSuffix(c.URL, "/"),
		token:      c.Token,
		operations: ops,
		client:     newHTTPClient(c.Timeout),
		now:        time.Now,
		logger:     logging.GetLogger("adapters.cmdb." + name),
	}, nil
}

func (a *CMDBAdapter) Name() string { return a.name }

func (a *CMDBAdapter) Supports(task types.DeviceTask) bool {
	return !task.IsWrite() && a.operations[task.Operation]
}

func (a *CMDBAdapter) Execute(ctx context.Context, task types.DeviceTask) (types.ToolOutput, error) {
	reqURL := fmt.Sprintf("%s/api/devices/%s", a.baseURL, url.PathEscape(task.DeviceID))
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}

	var dev cmdbDevice
	if err := getJSON(ctx, a.client, a.name, task.DeviceID, reqURL, header, &dev); err != nil {
		return types.ToolOutput{}, err
	}

	obs := &types.Observation{Source: types.SourceHistorical, ObservedAt: dev.LastUpdated}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = a.now()
	}
	if dev.Status != "" && !strings.EqualFold(dev.Status, "active") {
		obs.Findings = append(obs.Findings, "cmdb status "+dev.Status)
	}
	if expect, ok := task.Parameters["expect"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(expect))
		for k := range expect {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			want := fmt.Sprint(expect[k])
			if got := dev.Attributes[k]; got != want {
				obs.Findings = append(obs.Findings, fmt.Sprintf("cmdb %s is %q, expected %q", k, got, want))
			}
		}
	}
	obs.Anomaly = len(obs.Findings) > 0

	a.logger.WithContext(ctx).Debug("%s: status=%s role=%s site=%s", task.DeviceID, dev.Status, dev.Role, dev.Site)
	return types.ToolOutput{
		Output:      fmt.Sprintf("%s role=%s platform=%s site=%s status=%s", dev.ID, dev.Role, dev.Platform, dev.Site, dev.Status),
		Observation: obs,
	}, nil
}
