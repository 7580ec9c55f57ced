package ecsviewer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type webFixture struct {
	server *httptest.Server
	web    *WebTarget
	proc   *Processor
	prop   *Propagator
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	proc := newTestProcessor(t, WithMetrics(NewMetrics(reg)))
	prop := NewPropagator(proc, WithPropagatorLogger(discardLogger()))
	web, err := NewWebTarget("127.0.0.1:0",
		WithController(NewController(proc, prop, discardLogger())),
		WithMetricsGatherer(reg),
		WithWebLogger(discardLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}

	viewer := New(WithViewerLogger(discardLogger()))
	viewer.Attach(proc, prop)
	if err := viewer.AddTarget(web); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(web.Handler())
	t.Cleanup(func() {
		server.Close()
		viewer.Close()
	})
	return &webFixture{server: server, web: web, proc: proc, prop: prop}
}

func (f *webFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *webFixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, string(body)
}

func TestWebTargetHTTP(t *testing.T) {
	f := newWebFixture(t)

	if resp, body := f.get(t, "/health"); resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("health: %d %q", resp.StatusCode, body)
	}
	if resp, _ := f.get(t, "/api/state"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("state before the first snapshot: expected 404, got %d", resp.StatusCode)
	}

	if resp := f.post(t, "/api/snapshot", `{"numEntities":1}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed snapshot: expected 400, got %d", resp.StatusCode)
	}
	if resp := f.post(t, "/api/snapshot", fixtureJSON); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("snapshot: expected 204, got %d", resp.StatusCode)
	}

	resp, body := f.get(t, "/api/viewmodel")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewmodel: %d", resp.StatusCode)
	}
	var vm DashboardJSON
	if err := json.Unmarshal([]byte(body), &vm); err != nil {
		t.Fatalf("viewmodel json: %v", err)
	}
	if vm.NextSystem != "S2" || len(vm.Systems) != 3 {
		t.Fatalf("unexpected viewmodel %+v", vm)
	}

	resp, body = f.get(t, "/api/state")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"nextSystemToExecute": "S2"`) {
		t.Fatalf("state: %d %s", resp.StatusCode, body)
	}

	if resp := f.post(t, "/api/message", `{"method":"queryOver","data":["keyB"]}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("message: expected 204, got %d", resp.StatusCode)
	}
	if cur, _ := f.prop.State(); !cur.HasQuery("keyB") {
		t.Fatal("message should reach the propagator")
	}
	_, body = f.get(t, "/api/viewmodel")
	if !strings.Contains(body, `"over_queries":["keyB"]`) {
		t.Fatalf("viewmodel should follow the highlight, got %s", body)
	}

	if resp := f.post(t, "/api/message", `{"method":"nope"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown method: expected 400, got %d", resp.StatusCode)
	}
	if resp := f.post(t, "/api/message", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body: expected 400, got %d", resp.StatusCode)
	}

	resp, body = f.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "ecsviewer_snapshots_processed_total 1") {
		t.Fatalf("metrics: %d %s", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "<strong>Next system:</strong> S2") {
		t.Fatalf("index: %d %s", resp.StatusCode, body)
	}
}

func TestWebTargetWebSocket(t *testing.T) {
	f := newWebFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(msg Message) {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() Message {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	send(Message{Method: MethodRefreshData, Data: json.RawMessage(fixtureJSON)})
	msg := read()
	if msg.Method != MethodViewState {
		t.Fatalf("expected viewState push, got %q", msg.Method)
	}
	var vm DashboardJSON
	if err := json.Unmarshal(msg.Data, &vm); err != nil || vm.Sequence != 1 {
		t.Fatalf("unexpected view state %s (%v)", msg.Data, err)
	}

	send(Message{Method: MethodDumpState})
	msg = read()
	if msg.Method != MethodDumpState {
		t.Fatalf("expected dumpState reply, got %q", msg.Method)
	}
	var dump StateDump
	if err := json.Unmarshal(msg.Data, &dump); err != nil || dump.Sequence != 1 {
		t.Fatalf("unexpected dump %s (%v)", msg.Data, err)
	}

	send(Message{Method: "bogus"})
	msg = read()
	if msg.Method != MethodError {
		t.Fatalf("expected error reply, got %q", msg.Method)
	}
	var werr wsError
	if err := json.Unmarshal(msg.Data, &werr); err != nil || werr.Method != "bogus" {
		t.Fatalf("unexpected error payload %s (%v)", msg.Data, err)
	}

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial second client: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	var initial Message
	if err := second.ReadJSON(&initial); err != nil || initial.Method != MethodViewState {
		t.Fatalf("new client should receive the current state, got %q (%v)", initial.Method, err)
	}
}

func TestWebTargetPushesDiagnostics(t *testing.T) {
	f := newWebFixture(t)
	f.proc.OnDiagnostic(f.web.PushDiagnostic)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// A reply proves the client is registered before anything is pushed.
	if err := conn.WriteJSON(Message{Method: "bogus"}); err != nil {
		t.Fatal(err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Method != MethodError {
		t.Fatalf("expected error reply, got %q (%v)", msg.Method, err)
	}

	warn := &ErrInvalidOption{Option: "buffer.window", Value: 0, Used: DefaultSampleWindow}
	f.proc.Emit(Diagnostic{Kind: DiagInvalidOption, Message: warn.Error(), Err: warn})

	if err := conn.ReadJSON(&msg); err != nil || msg.Method != MethodDiagnostic {
		t.Fatalf("expected diagnostic push, got %q (%v)", msg.Method, err)
	}
	var d wsDiagnostic
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Kind != DiagInvalidOption || !strings.Contains(d.Error, "buffer.window") || d.At.IsZero() {
		t.Fatalf("unexpected diagnostic %+v", d)
	}
}

func TestWebTargetStartAndClose(t *testing.T) {
	web, err := NewWebTarget("127.0.0.1:0", WithWebLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := web.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := web.Start(); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	resp, err := http.Get(web.URL() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}

	resp, err = http.Get(web.URL() + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("inbound routes need a controller")
	}

	if err := web.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
