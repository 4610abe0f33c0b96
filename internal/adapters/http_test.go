package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

func read(device, op string) types.DeviceTask {
	return types.DeviceTask{TaskID: "t-" + device + "-" + op, DeviceID: device, Kind: types.TaskRead, Operation: op, Layer: types.LayerLink}
}

func jsonHandler(t *testing.T, status int, body interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}
}

func TestTelemetryAdapter_InterpretsRows(t *testing.T) {
	collected := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/interfaces/show", r.URL.Path)
		gotQuery = r.URL.RawQuery
		rows := []map[string]interface{}{
			{"hostname": "SW1", "ifname": "Ethernet1", "state": "up", "adminState": "up", "timestamp": float64(collected.Add(time.Minute).UnixMilli())},
			{"hostname": "SW1", "ifname": "Ethernet2", "state": "down", "adminState": "up", "timestamp": float64(collected.UnixMilli())},
			{"hostname": "SW1", "ifname": "Ethernet3", "state": "down", "adminState": "down", "timestamp": float64(collected.UnixMilli())},
		}
		jsonHandler(t, http.StatusOK, rows)(w, r)
	}))
	defer srv.Close()

	a, err := NewTelemetryAdapter("suzieq", map[string]interface{}{"url": srv.URL + "/", "access_token": "tok"}, nil)
	require.NoError(t, err)

	task := read("SW1", "show_interfaces")
	require.True(t, a.Supports(task))
	out, err := a.Execute(context.Background(), task)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "hostname=SW1")
	assert.Contains(t, gotQuery, "access_token=tok")
	assert.Equal(t, "3 interfaces rows", out.Output)
	require.NotNil(t, out.Observation)
	assert.Equal(t, types.SourceHistorical, out.Observation.Source)
	assert.True(t, out.Observation.Anomaly)
	assert.Equal(t, []string{"interfaces Ethernet2: state down"}, out.Observation.Findings)
	assert.True(t, out.Observation.ObservedAt.Equal(collected), "oldest row wins")
}

func TestTelemetryAdapter_Supports(t *testing.T) {
	a, err := NewTelemetryAdapter("suzieq", map[string]interface{}{
		"url":    "http://suzieq:8000",
		"tables": map[string]interface{}{"show_evpn": "evpnVni"},
	}, nil)
	require.NoError(t, err)

	assert.True(t, a.Supports(read("R1", "show_bgp")))
	assert.True(t, a.Supports(read("R1", "show_evpn")))
	assert.False(t, a.Supports(read("R1", "ping")))

	write := read("R1", "show_bgp")
	write.Kind = types.TaskWrite
	assert.False(t, a.Supports(write))

	_, err = NewTelemetryAdapter("suzieq", nil, nil)
	assert.Error(t, err)
}

func TestTelemetryAdapter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    types.ErrorKind
	}{
		{name: "no rows", handler: jsonHandler(t, http.StatusOK, []interface{}{}), want: types.ErrorUnavailable},
		{name: "not found", handler: jsonHandler(t, http.StatusNotFound, map[string]string{"detail": "no table"}), want: types.ErrorUnavailable},
		{name: "server error", handler: jsonHandler(t, http.StatusBadGateway, nil), want: types.ErrorUnavailable},
		{name: "unauthorized", handler: jsonHandler(t, http.StatusUnauthorized, nil), want: types.ErrorTool},
		{name: "bad json", handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{")) }, want: types.ErrorTool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a, err := NewTelemetryAdapter("suzieq", map[string]interface{}{"url": srv.URL}, nil)
			require.NoError(t, err)
			_, err = a.Execute(context.Background(), read("R1", "show_bgp"))
			require.Error(t, err)
			assert.Equal(t, tt.want, types.ClassifyError(err))
		})
	}
}

func TestTelemetryAdapter_UnreachableAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	a, err := NewTelemetryAdapter("suzieq", map[string]interface{}{"url": srv.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Execute(ctx, read("R1", "show_bgp"))
	assert.Equal(t, types.ErrorTimeout, types.ClassifyError(err))

	srv.Close()
	_, err = a.Execute(context.Background(), read("R1", "show_bgp"))
	assert.True(t, errors.Is(err, types.ErrToolUnavailable))
}

func TestCMDBAdapter(t *testing.T) {
	updated := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cmdb-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/devices/SW1":
			jsonHandler(t, http.StatusOK, map[string]interface{}{
				"id": "SW1", "status": "maintenance", "role": "access", "platform": "eos", "site": "fra1",
				"attributes":   map[string]string{"vlan_100": "absent", "uplink": "R1"},
				"last_updated": updated,
			})(w, r)
		case "/api/devices/R1":
			jsonHandler(t, http.StatusOK, map[string]interface{}{"id": "R1", "status": "active", "role": "core"})(w, r)
		default:
			jsonHandler(t, http.StatusNotFound, nil)(w, r)
		}
	}))
	defer srv.Close()

	t.Setenv("CMDB_TOKEN", "cmdb-token")
	a, err := NewCMDBAdapter("cmdb", map[string]interface{}{"url": srv.URL, "token_env": "CMDB_TOKEN"}, nil)
	require.NoError(t, err)

	task := read("SW1", "cmdb_lookup")
	task.Parameters = map[string]interface{}{"expect": map[string]interface{}{"vlan_100": "present", "uplink": "R1"}}
	require.True(t, a.Supports(task))
	out, err := a.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "SW1 role=access platform=eos site=fra1 status=maintenance", out.Output)
	assert.True(t, out.Observation.Anomaly)
	assert.Equal(t, []string{"cmdb status maintenance", `cmdb vlan_100 is "absent", expected "present"`}, out.Observation.Findings)
	assert.True(t, out.Observation.ObservedAt.Equal(updated))

	out, err = a.Execute(context.Background(), read("R1", "show_inventory"))
	require.NoError(t, err)
	assert.False(t, out.Observation.Anomaly)

	_, err = a.Execute(context.Background(), read("R9", "cmdb_lookup"))
	assert.Equal(t, types.ErrorUnavailable, types.ClassifyError(err))

	assert.False(t, a.Supports(read("R1", "show_interfaces")))
}
