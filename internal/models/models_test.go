package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestOutboundMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(OutboundMessage{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "Priority", "index")
	assertGormTag(t, typ, "Status", "size:16")
	assertGormTag(t, typ, "Status", "default:QUEUED")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "MaxAttempts", "default:5")
	assertGormTag(t, typ, "Method", "default:none")
	assertGormTag(t, typ, "AssignedTransport", "size:32")
	assertGormTag(t, typ, "LastError", "type:text")
	assertGormTag(t, typ, "CreatedAt", "index")

	assertFieldType(t, typ, "Payload", "[]uint8")
	assertFieldType(t, typ, "Encoded", "[]uint8")
	assertFieldType(t, typ, "Seq", "uint64")
	assertFieldType(t, typ, "LastAttemptAt", "*time.Time")
	assertFieldType(t, typ, "NextRetryAt", "*time.Time")
}

func TestOutboundMessage_Relations(t *testing.T) {
	typ := reflect.TypeOf(OutboundMessage{})

	assertGormTag(t, typ, "History", "foreignKey:MessageID")
	assertFieldType(t, typ, "History", "[]models.DeliveryAttempt")
}

func TestDeliveryAttempt_Fields(t *testing.T) {
	typ := reflect.TypeOf(DeliveryAttempt{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "MessageID", "size:36")
	assertGormTag(t, typ, "MessageID", "index")
	assertGormTag(t, typ, "Transport", "index")
	assertGormTag(t, typ, "Broadcast", "default:false")
	assertGormTag(t, typ, "ErrorKind", "size:32")
	assertGormTag(t, typ, "Error", "type:text")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "LatencyMs", "int64")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestTransportStatus_Fields(t *testing.T) {
	typ := reflect.TypeOf(TransportStatus{})

	assertGormTag(t, typ, "Name", "primaryKey")
	assertGormTag(t, typ, "Name", "size:32")
	assertGormTag(t, typ, "State", "index")
	assertGormTag(t, typ, "SuccessRate", "not null")
	assertGormTag(t, typ, "LastError", "type:text")

	assertFieldType(t, typ, "CostPerByte", "float64")
	assertFieldType(t, typ, "UpdatedAt", "time.Time")
}

func TestOutboundMessage_Instantiation(t *testing.T) {
	retry := time.Now().Add(30 * time.Second)
	m := OutboundMessage{
		ID:          "0192a4c0-0000-7000-8000-000000000001",
		Priority:    3,
		Status:      "RETRY_SCHEDULED",
		Attempts:    1,
		MaxAttempts: 5,
		Payload:     []byte("MAYDAY"),
		NextRetryAt: &retry,
		History: []DeliveryAttempt{
			{MessageID: "0192a4c0-0000-7000-8000-000000000001", Transport: "radio", Attempt: 1, ErrorKind: "no acknowledgement"},
		},
	}
	if m.Status != "RETRY_SCHEDULED" {
		t.Errorf("Status = %q, want %q", m.Status, "RETRY_SCHEDULED")
	}
	if !m.NextRetryAt.Equal(retry) {
		t.Errorf("NextRetryAt = %v, want %v", m.NextRetryAt, retry)
	}
	if len(m.History) != 1 || m.History[0].Transport != "radio" {
		t.Errorf("History = %+v, want one radio attempt", m.History)
	}
}

func TestTransportStatus_Instantiation(t *testing.T) {
	s := TransportStatus{
		Name:            "satellite",
		Kind:            "satellite",
		State:           "READY",
		Signal:          88,
		SignalKnown:     true,
		MaxPayloadBytes: 340,
		CostPerByte:     0.02,
	}
	if s.State != "READY" {
		t.Errorf("State = %q, want %q", s.State, "READY")
	}
	if s.MaxPayloadBytes != 340 {
		t.Errorf("MaxPayloadBytes = %d, want 340", s.MaxPayloadBytes)
	}
}
