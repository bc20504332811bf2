package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/tidelink/internal/config"
	"github.com/zulandar/tidelink/internal/db"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/queue"
)

func TestDBCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Queue database management") {
		t.Errorf("expected help to mention 'Queue database management', got: %s", out)
	}
	if !strings.Contains(out, "init") || !strings.Contains(out, "reset") {
		t.Errorf("expected help to list init and reset, got: %s", out)
	}
}

func TestDBInitCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", "/nonexistent/tidelink.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("expected 'load config' error, got: %v", err)
	}
}

func TestDBInitCmd_Sqlite(t *testing.T) {
	path := writeConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "-c", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init failed: %v\n%s", err, buf.String())
	}

	out := buf.String()
	if !strings.Contains(out, `vessel "testboat"`) {
		t.Errorf("expected vessel in output, got: %s", out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("expected success message, got: %s", out)
	}
}

// seedMessages stores msgs in the config's database.
func seedMessages(t *testing.T, path string, msgs ...*message.Message) {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	store := queue.NewGormStore(gormDB)
	for _, m := range msgs {
		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	sqlDB, _ := gormDB.DB()
	sqlDB.Close()
}

func TestDBResetCmd_Abort(t *testing.T) {
	path := writeConfig(t)
	seedMessages(t, path, &message.Message{
		ID: "keep-me", Payload: []byte("x"), Priority: message.Normal,
		Status: message.StatusQueued, MaxAttempts: 3, CreatedAt: time.Now(),
	})

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("no\n"))
	cmd.SetArgs([]string{"db", "reset", "-c", path})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db reset failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Aborted.") {
		t.Errorf("expected Aborted, got: %s", buf.String())
	}

	buf.Reset()
	cmd = newRootCmd()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"messages", "-c", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if !strings.Contains(buf.String(), "keep-me") {
		t.Errorf("message lost after aborted reset: %s", buf.String())
	}
}

func TestDBResetCmd_Yes(t *testing.T) {
	path := writeConfig(t)
	seedMessages(t, path, &message.Message{
		ID: "drop-me", Payload: []byte("x"), Priority: message.Normal,
		Status: message.StatusQueued, MaxAttempts: 3, CreatedAt: time.Now(),
	})

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "reset", "-y", "-c", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("db reset failed: %v", err)
	}

	buf.Reset()
	cmd = newRootCmd()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"messages", "-c", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No messages.") {
		t.Errorf("expected empty store after reset, got: %s", buf.String())
	}
}

func TestMessagesCmd_FilterAndJSON(t *testing.T) {
	path := writeConfig(t)
	now := time.Now()
	seedMessages(t, path,
		&message.Message{ID: "m-sent", Payload: []byte("abc"), Priority: message.High,
			Status: message.StatusSent, Attempts: 1, MaxAttempts: 3, AssignedTransport: "radio", CreatedAt: now},
		&message.Message{ID: "m-queued", Payload: []byte("de"), Priority: message.Low,
			Status: message.StatusQueued, MaxAttempts: 3, CreatedAt: now.Add(time.Second)},
	)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"messages", "-c", path, "--status", "sent"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "m-sent") || strings.Contains(out, "m-queued") {
		t.Errorf("status filter not applied: %s", out)
	}
	if !strings.Contains(out, "radio") {
		t.Errorf("expected transport column, got: %s", out)
	}

	buf.Reset()
	cmd = newRootCmd()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"messages", "-c", path, "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("messages --json failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"id": "m-queued"`) {
		t.Errorf("expected JSON rows, got: %s", buf.String())
	}
}
