package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/tidelink/internal/agent"
	"github.com/zulandar/tidelink/internal/compress"
	"github.com/zulandar/tidelink/internal/metrics"
	"github.com/zulandar/tidelink/internal/queue"
	"github.com/zulandar/tidelink/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupAgent(t *testing.T, capacity int) *agent.Agent {
	t.Helper()
	reg := transport.NewRegistry(nil)
	d, err := transport.NewRadio(transport.RadioOptions{Common: transport.Common{
		Name: "radio",
		Link: transport.NewSimLink(transport.FaultModel{Signal: 70, Seed: 3}),
	}})
	if err != nil {
		t.Fatalf("NewRadio: %v", err)
	}
	if err := reg.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a, err := agent.New(agent.Options{
		Registry:    reg,
		Queue:       queue.Options{Capacity: capacity},
		Maintenance: "@every 1h",
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func do(router http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestStart_NilAgent(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil agent")
	}
	if !strings.Contains(err.Error(), "agent is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "agent is required")
	}
}

func TestSubmitAndStatus(t *testing.T) {
	a := setupAgent(t, 10)
	router := NewRouter(StartOpts{Agent: a})

	w := do(router, http.MethodPost, "/v1/messages", "application/json",
		`{"payload":"aGVsbG8gc2hvcmU=","priority":"high"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST status = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	var created struct {
		ID       string `json:"id"`
		Priority string `json:"priority"`
	}
	decode(t, w, &created)
	if created.ID == "" {
		t.Fatal("empty id")
	}
	if created.Priority != "HIGH" {
		t.Errorf("priority = %q, want %q", created.Priority, "HIGH")
	}

	w = do(router, http.MethodGet, "/v1/messages/"+created.ID, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d", w.Code, http.StatusOK)
	}
	var report agent.StatusReport
	decode(t, w, &report)
	if report.Status != "QUEUED" {
		t.Errorf("status = %q, want %q", report.Status, "QUEUED")
	}
	if report.Size != len("hello shore") {
		t.Errorf("size = %d, want %d", report.Size, len("hello shore"))
	}
}

func TestSubmit_RawBody(t *testing.T) {
	a := setupAgent(t, 10)
	router := NewRouter(StartOpts{Agent: a})

	w := do(router, http.MethodPost, "/v1/messages?priority=emergency", "application/octet-stream", "MAYDAY")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if !strings.Contains(w.Body.String(), `"CRITICAL"`) {
		t.Errorf("body = %s, want CRITICAL priority", w.Body.String())
	}
}

func TestSubmit_PayloadTooLarge(t *testing.T) {
	pipe, err := compress.New(compress.Options{MaxDecodedSize: 64 << 10})
	if err != nil {
		t.Fatalf("compress.New: %v", err)
	}
	t.Cleanup(pipe.Close)
	a, err := agent.New(agent.Options{
		Registry:    transport.NewRegistry(nil),
		Pipeline:    pipe,
		Maintenance: "@every 1h",
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	router := NewRouter(StartOpts{Agent: a})

	w := do(router, http.MethodPost, "/v1/messages", "application/octet-stream", strings.Repeat("x", 64<<10+1))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusRequestEntityTooLarge, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"limit":65536`) {
		t.Errorf("body = %s, want the limit", w.Body.String())
	}
	if a.Queue().Size() != 0 {
		t.Errorf("queue size = %d, want 0", a.Queue().Size())
	}
}

func TestSubmit_BadRequests(t *testing.T) {
	a := setupAgent(t, 10)
	router := NewRouter(StartOpts{Agent: a})

	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
	}{
		{"empty body", "/v1/messages", "text/plain", ""},
		{"bad json", "/v1/messages", "application/json", `{"payload":`},
		{"unknown priority", "/v1/messages?priority=urgent", "text/plain", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, tt.target, tt.contentType, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d (%s)", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	a := setupAgent(t, 1)
	router := NewRouter(StartOpts{Agent: a})

	if w := do(router, http.MethodPost, "/v1/messages", "application/json", `{"text":"first"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", w.Code)
	}
	w := do(router, http.MethodPost, "/v1/messages", "application/json", `{"text":"second"}`)
	if w.Code != http.StatusInsufficientStorage {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInsufficientStorage)
	}
	if !strings.Contains(w.Body.String(), `"capacity":1`) {
		t.Errorf("body = %s, want capacity", w.Body.String())
	}
}

func TestCancelAndNotFound(t *testing.T) {
	a := setupAgent(t, 10)
	router := NewRouter(StartOpts{Agent: a})

	id, err := a.Submit([]byte("cancel me"), 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	w := do(router, http.MethodDelete, "/v1/messages/"+id, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"cancelled":true`) {
		t.Errorf("body = %s, want cancelled true", w.Body.String())
	}

	w = do(router, http.MethodDelete, "/v1/messages/"+id, "", "")
	if !strings.Contains(w.Body.String(), `"cancelled":false`) {
		t.Errorf("second cancel body = %s, want cancelled false", w.Body.String())
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w = do(router, method, "/v1/messages/missing", "", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s missing status = %d, want %d", method, w.Code, http.StatusNotFound)
		}
	}
}

func TestListQueueTransportsHealth(t *testing.T) {
	a := setupAgent(t, 10)
	m := metrics.New()
	router := NewRouter(StartOpts{Agent: a, Metrics: m})

	for _, p := range []string{"low", "critical"} {
		if w := do(router, http.MethodPost, "/v1/messages?priority="+p, "text/plain", p); w.Code != http.StatusAccepted {
			t.Fatalf("submit %s: status %d", p, w.Code)
		}
	}

	var list struct {
		Messages []messageSummary `json:"messages"`
	}
	decode(t, do(router, http.MethodGet, "/v1/messages", "", ""), &list)
	if len(list.Messages) != 2 {
		t.Fatalf("listed %d messages, want 2", len(list.Messages))
	}
	if list.Messages[0].Priority != "CRITICAL" {
		t.Errorf("first = %q, want CRITICAL first", list.Messages[0].Priority)
	}

	var stats queue.Stats
	decode(t, do(router, http.MethodGet, "/v1/queue", "", ""), &stats)
	if stats.Size != 2 || stats.Capacity != 10 {
		t.Errorf("stats = %+v, want size 2 capacity 10", stats)
	}

	w := do(router, http.MethodGet, "/v1/transports", "", "")
	if !strings.Contains(w.Body.String(), `"name":"radio"`) {
		t.Errorf("transports body = %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"state":"DISCONNECTED"`) {
		t.Errorf("transports body = %s, want DISCONNECTED", w.Body.String())
	}

	w = do(router, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"queued":2`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}

	w = do(router, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tidelink_queue_depth") {
		t.Errorf("metrics body missing queue depth")
	}
}

func TestEvents_StreamsOutcomes(t *testing.T) {
	a := setupAgent(t, 10)
	srv := httptest.NewServer(NewRouter(StartOpts{Agent: a}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		if !lines.Scan() {
			t.Fatalf("stream ended: %v", lines.Err())
		}
		return lines.Text()
	}
	if got := next(); got != "event: connected" {
		t.Fatalf("first line = %q, want connected event", got)
	}

	id, err := a.Submit([]byte("withdrawn"), 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := a.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	for {
		if next() == "event: outcome" {
			break
		}
	}
	data := next()
	if !strings.Contains(data, id) || !strings.Contains(data, `"status":"FAILED"`) {
		t.Errorf("outcome data = %q", data)
	}
}
