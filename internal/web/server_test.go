package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pca9634d/internal/output"
)

type fakeController struct {
	mu     sync.Mutex
	snap   output.Snapshot
	sets   map[string]float64
	duty   map[string]float64
	blink  map[string]time.Duration
	snaps  chan output.Snapshot
	setErr error
}

func newFakeController() *fakeController {
	return &fakeController{
		snap: output.Snapshot{
			Devices: []output.DeviceStatus{{ID: "pca_a", Address: "0x15", Mode1: 0x01, Ready: true, GroupDuty: 1}},
			Outputs: []output.OutputStatus{{ID: "kitchen", Device: "pca_a", Channel: 0, Level: 0.5, Raw: 128}},
		},
		sets:  map[string]float64{},
		duty:  map[string]float64{},
		blink: map[string]time.Duration{},
		snaps: make(chan output.Snapshot, 4),
	}
}

func (f *fakeController) Snapshot() output.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Subscribe() (<-chan output.Snapshot, func()) {
	return f.snaps, func() {}
}

func (f *fakeController) Set(_ context.Context, id string, level float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	if id != "kitchen" {
		return output.ErrUnknownOutput
	}
	f.sets[id] = level
	return nil
}

func (f *fakeController) SetGroupDuty(_ context.Context, id string, level float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "pca_a" {
		return output.ErrUnknownDevice
	}
	f.duty[id] = level
	return nil
}

func (f *fakeController) SetGroupBlink(_ context.Context, id string, period time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "pca_a" {
		return output.ErrUnknownDevice
	}
	f.blink[id] = period
	return nil
}

func newTestServer(t *testing.T, ctl *fakeController, logs *LogBuffer) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(Handler(ctl, NewStatus(), logs, zerolog.Nop()))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIStatus(t *testing.T) {
	ts := newTestServer(t, newFakeController(), nil)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if st.Service != "pca9634d" {
		t.Fatalf("service=%q", st.Service)
	}
	if len(st.Devices) != 1 || st.Devices[0].Address != "0x15" || !st.Devices[0].Ready {
		t.Fatalf("devices=%+v", st.Devices)
	}
	if len(st.Outputs) != 1 || st.Outputs[0].Raw != 128 {
		t.Fatalf("outputs=%+v", st.Outputs)
	}
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, newFakeController(), nil)
	resp := post(t, ts.URL+"/api/status", "{}")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodGet {
		t.Fatalf("allow=%q", allow)
	}
}

func TestAPIOutputs_Set(t *testing.T) {
	ctl := newFakeController()
	ts := newTestServer(t, ctl, nil)

	resp := post(t, ts.URL+"/api/outputs/kitchen", `{"level":0.25}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	ctl.mu.Lock()
	got := ctl.sets["kitchen"]
	ctl.mu.Unlock()
	if got != 0.25 {
		t.Fatalf("level=%v", got)
	}
}

func TestAPIOutputs_Errors(t *testing.T) {
	ctl := newFakeController()
	ts := newTestServer(t, ctl, nil)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown output", "/api/outputs/nope", `{"level":1}`, http.StatusNotFound},
		{"missing level", "/api/outputs/kitchen", `{}`, http.StatusBadRequest},
		{"bad json", "/api/outputs/kitchen", `{"level":`, http.StatusBadRequest},
		{"unknown field", "/api/outputs/kitchen", `{"level":1,"fade":2}`, http.StatusBadRequest},
		{"nested path", "/api/outputs/a/b", `{"level":1}`, http.StatusNotFound},
		{"empty id", "/api/outputs/", `{"level":1}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := post(t, ts.URL+tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status code=%d want %d", resp.StatusCode, tc.want)
			}
		})
	}

	ctl.mu.Lock()
	ctl.setErr = output.ErrStopped
	ctl.mu.Unlock()
	resp := post(t, ts.URL+"/api/outputs/kitchen", `{"level":1}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestAPIDevices_Group(t *testing.T) {
	ctl := newFakeController()
	ts := newTestServer(t, ctl, nil)

	resp := post(t, ts.URL+"/api/devices/pca_a/group", `{"duty":0.5,"blink":"1s"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	ctl.mu.Lock()
	duty, blink := ctl.duty["pca_a"], ctl.blink["pca_a"]
	ctl.mu.Unlock()
	if duty != 0.5 || blink != time.Second {
		t.Fatalf("duty=%v blink=%v", duty, blink)
	}

	if resp := post(t, ts.URL+"/api/devices/nope/group", `{"duty":1}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status code=%d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/devices/pca_a/group", `{"blink":"soon"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad blink status code=%d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/devices/pca_a/group", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status code=%d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/devices/pca_a", `{"duty":1}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing /group status code=%d", resp.StatusCode)
	}
}

func TestAPIWebSocket_StreamsSnapshots(t *testing.T) {
	ctl := newFakeController()
	ts := newTestServer(t, ctl, nil)
	ctl.snaps <- output.Snapshot{Outputs: []output.OutputStatus{{ID: "kitchen", Level: 1, Raw: 255}}}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap output.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Outputs) != 1 || snap.Outputs[0].Raw != 255 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(10)
	log := zerolog.New(logs)
	log.Info().Msg("hello")
	log.Warn().Msg("careful")
	_, _ = logs.Write([]byte("plain line\npartial"))

	ts := newTestServer(t, newFakeController(), logs)

	resp, err := http.Get(ts.URL + "/api/logs?level=warn")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var out LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(out.Lines) != 2 {
		t.Fatalf("lines=%q", out.Lines)
	}
	if !strings.Contains(out.Lines[0], "careful") || out.Lines[1] != "plain line" {
		t.Fatalf("lines=%q", out.Lines)
	}

	resp2, err := http.Get(ts.URL + "/api/logs?level=loud")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d", resp2.StatusCode)
	}
}

func TestLogBuffer_DropsOldest(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("a\nb\nc\n"))
	lines, dropped := b.Snapshot(10, zerolog.TraceLevel)
	if dropped != 1 || len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("lines=%q dropped=%d", lines, dropped)
	}
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t, newFakeController(), nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d", resp2.StatusCode)
	}
}
