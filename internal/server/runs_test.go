package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/falconeye/internal/engine"
	"github.com/mohammad-safakhou/falconeye/internal/recon"
	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
)

type stubEngine struct {
	notifications []engine.Notification
	outcome       engine.Outcome
	err           error
}

func (s stubEngine) Execute(_ context.Context, _ engine.Request, notify func(engine.Notification)) (engine.Outcome, error) {
	for _, n := range s.notifications {
		notify(n)
	}
	return s.outcome, s.err
}

type stubMemory struct{}

func (stubMemory) Ingest(context.Context, string, string, map[string]string) (int, error) {
	return 0, nil
}

func (stubMemory) Retrieve(context.Context, string, string, int) ([]vectorstore.Scored, error) {
	return nil, nil
}

func newTestServer(eng engine.Engine) *httptest.Server {
	orch := recon.NewOrchestrator(eng, stubMemory{}, recon.OrchestratorOptions{
		RunTimeout: 10 * time.Second,
	})
	return httptest.NewServer(New(orch))
}

func postStream(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/runs/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/runs/stream: %v", err)
	}
	return resp
}

func TestStreamRunEndToEnd(t *testing.T) {
	ts := newTestServer(stubEngine{
		notifications: []engine.Notification{
			{Task: "recon", Agent: "Recon Agent", Message: "searching public records"},
		},
		outcome: engine.Outcome{Report: "# Exposure Report\n\nfindings"},
	})
	defer ts.Close()

	resp := postStream(t, ts, `{"target":"acme-corp.com"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/x-ndjson") {
		t.Fatalf("content type %q", ct)
	}

	var types []string
	var runID string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev struct {
			RunID   string `json:"run_id"`
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", scanner.Text(), err)
		}
		if runID == "" {
			runID = ev.RunID
		} else if ev.RunID != runID {
			t.Fatalf("run id changed mid-stream: %q vs %q", runID, ev.RunID)
		}
		types = append(types, ev.Type)
		if ev.Type == "result" && !strings.Contains(ev.Message, "Exposure Report") {
			t.Fatalf("result message %q", ev.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading stream: %v", err)
	}

	want := []string{"start", "log", "result", "done"}
	if len(types) != len(want) {
		t.Fatalf("event types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types %v, want %v", types, want)
		}
	}

	// The snapshot endpoint still resolves the finished run.
	snap, err := http.Get(ts.URL + "/api/runs/" + runID)
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	defer snap.Body.Close()
	if snap.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d", snap.StatusCode)
	}
	var got struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
		Report string `json:"report"`
	}
	if err := json.NewDecoder(snap.Body).Decode(&got); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got.Status != "completed" || !strings.Contains(got.Report, "Exposure Report") {
		t.Fatalf("snapshot %+v", got)
	}
}

func TestStreamBlockedTarget(t *testing.T) {
	ts := newTestServer(stubEngine{})
	defer ts.Close()

	resp := postStream(t, ts, `{"target":"city.gov"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(body.Error, "city.gov") {
		t.Fatalf("error message %q should name the blocked domain", body.Error)
	}
}

func TestStreamFailedRunEmitsErrorEvent(t *testing.T) {
	ts := newTestServer(stubEngine{err: &engine.TaskError{Task: "recon", Err: context.DeadlineExceeded}})
	defer ts.Close()

	resp := postStream(t, ts, `{"target":"acme-corp.com"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad NDJSON line: %v", err)
		}
		types = append(types, ev.Type)
	}
	want := []string{"start", "error", "done"}
	if len(types) != len(want) {
		t.Fatalf("event types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types %v, want %v", types, want)
		}
	}
}

type slowEngine struct {
	delay   time.Duration
	outcome engine.Outcome
}

func (s slowEngine) Execute(ctx context.Context, _ engine.Request, _ func(engine.Notification)) (engine.Outcome, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return engine.Outcome{}, ctx.Err()
	}
	return s.outcome, nil
}

func TestStreamEmitsPingWhileQuiet(t *testing.T) {
	old := keepaliveInterval
	keepaliveInterval = 25 * time.Millisecond
	defer func() { keepaliveInterval = old }()

	ts := newTestServer(slowEngine{delay: 300 * time.Millisecond, outcome: engine.Outcome{Report: "final"}})
	defer ts.Close()

	resp := postStream(t, ts, `{"target":"acme-corp.com"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	pings := 0
	var rest []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev struct {
			RunID string `json:"run_id"`
			Type  string `json:"type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", scanner.Text(), err)
		}
		if ev.RunID == "" {
			t.Fatalf("record without run_id: %q", scanner.Text())
		}
		if ev.Type == "ping" {
			pings++
			continue
		}
		rest = append(rest, ev.Type)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading stream: %v", err)
	}

	if pings == 0 {
		t.Fatal("quiet stream produced no ping records")
	}
	want := []string{"start", "result", "done"}
	if len(rest) != len(want) {
		t.Fatalf("non-ping types %v, want %v", rest, want)
	}
	for i := range want {
		if rest[i] != want[i] {
			t.Fatalf("non-ping types %v, want %v", rest, want)
		}
	}
}

func TestStreamValidation(t *testing.T) {
	ts := newTestServer(stubEngine{})
	defer ts.Close()

	cases := []struct {
		name string
		body string
	}{
		{"empty target", `{"target":"   "}`},
		{"missing target", `{}`},
		{"oversized target", `{"target":"` + strings.Repeat("a", 300) + `"}`},
		{"malformed json", `{"target":`},
	}
	for _, tc := range cases {
		resp := postStream(t, ts, tc.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestUnknownRunSnapshot(t *testing.T) {
	ts := newTestServer(stubEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/runs/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(stubEngine{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
}
