package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/tidelink/internal/agent"
	"github.com/zulandar/tidelink/internal/api"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/queue"
	"github.com/zulandar/tidelink/internal/transport"
)

// startAPI serves an agent with one unconnected radio, so submitted
// messages stay queued.
func startAPI(t *testing.T) (*agent.Agent, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := transport.NewRegistry(nil)
	d, err := transport.NewRadio(transport.RadioOptions{Common: transport.Common{
		Name: "radio",
		Link: transport.NewSimLink(transport.FaultModel{Signal: 70}),
	}})
	if err != nil {
		t.Fatalf("NewRadio: %v", err)
	}
	if err := reg.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a, err := agent.New(agent.Options{
		Registry:    reg,
		Queue:       queue.Options{Capacity: 10},
		Maintenance: "@every 1h",
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(api.NewRouter(api.StartOpts{Agent: a}))
	t.Cleanup(srv.Close)
	return a, srv.URL
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSendAndStatusCmd(t *testing.T) {
	a, addr := startAPI(t)

	out, err := runCmd(t, "send", "--api", addr, "-p", "high", "engine temp nominal")
	if err != nil {
		t.Fatalf("send failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Queued ") || !strings.Contains(out, "(HIGH, 19 bytes)") {
		t.Fatalf("unexpected send output: %s", out)
	}

	msgs := a.Queue().List()
	if len(msgs) != 1 {
		t.Fatalf("queue holds %d messages, want 1", len(msgs))
	}
	id := msgs[0].ID

	out, err = runCmd(t, "status", "--api", addr, id)
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	for _, want := range []string{id, "QUEUED", "HIGH", "19 bytes"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected status output to contain %q, got: %s", want, out)
		}
	}

	out, err = runCmd(t, "status", "--api", addr, "--json", id)
	if err != nil {
		t.Fatalf("status --json failed: %v", err)
	}
	if !strings.Contains(out, `"status": "QUEUED"`) {
		t.Errorf("expected JSON status, got: %s", out)
	}
}

func TestSendCmd_Stdin(t *testing.T) {
	a, addr := startAPI(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetIn(strings.NewReader("from a pipe"))
	cmd.SetArgs([]string{"send", "--api", addr, "-f", "-"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msgs := a.Queue().List()
	if len(msgs) != 1 || string(msgs[0].Payload) != "from a pipe" {
		t.Fatalf("queued = %+v", msgs)
	}
}

func TestSendCmd_Errors(t *testing.T) {
	_, addr := startAPI(t)

	if _, err := runCmd(t, "send", "--api", addr); err == nil {
		t.Error("expected error with no payload")
	}
	if _, err := runCmd(t, "send", "--api", addr, "-p", "urgent", "x"); err == nil {
		t.Error("expected error for unknown priority")
	}
	if _, err := runCmd(t, "send", "--api", "127.0.0.1:1", "x"); err == nil {
		t.Error("expected error when the agent is unreachable")
	}
}

func TestCancelCmd(t *testing.T) {
	a, addr := startAPI(t)
	id, err := a.Submit([]byte("withdraw"), 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	out, err := runCmd(t, "cancel", "--api", addr, id)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !strings.Contains(out, "Cancelled "+id) {
		t.Errorf("unexpected cancel output: %s", out)
	}

	out, err = runCmd(t, "cancel", "--api", addr, id)
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	if !strings.Contains(out, "no longer queued") {
		t.Errorf("unexpected second cancel output: %s", out)
	}

	_, err = runCmd(t, "cancel", "--api", addr, "missing")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("cancel missing err = %v, want HTTP 404", err)
	}
}

func TestTransportsAndQueueCmd(t *testing.T) {
	a, addr := startAPI(t)
	for _, p := range []message.Priority{message.Low, message.Critical} {
		if _, err := a.Submit([]byte("x"), p); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	out, err := runCmd(t, "transports", "--api", addr)
	if err != nil {
		t.Fatalf("transports failed: %v", err)
	}
	for _, want := range []string{"NAME", "radio", "DISCONNECTED"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected transports output to contain %q, got: %s", want, out)
		}
	}

	out, err = runCmd(t, "queue", "--api", addr)
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	for _, want := range []string{"Queue: 2/10", "CRITICAL", "LOW", "QUEUED"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected queue output to contain %q, got: %s", want, out)
		}
	}
}

func TestSendCmd_Reduce(t *testing.T) {
	a, addr := startAPI(t)

	out, err := runCmd(t, "send", "--api", addr, "--reduce", "2", `{"lat":59.91432,"fix":null}`)
	if err != nil {
		t.Fatalf("send failed: %v\n%s", err, out)
	}
	msgs := a.Queue().List()
	if len(msgs) != 1 {
		t.Fatalf("queue holds %d messages, want 1", len(msgs))
	}
	if got := string(msgs[0].Payload); got != `{"lat":59.91}` {
		t.Errorf("payload = %s, want reduced JSON", got)
	}

	if _, err := runCmd(t, "send", "--api", addr, "--reduce", "2", "not json"); err == nil {
		t.Error("expected error reducing a non-JSON payload")
	}
}
