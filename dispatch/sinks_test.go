package dispatch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"printwatch/device"
)

func TestWebhookSinkPostsEvent(t *testing.T) {
	var hits atomic.Int32
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, device.SeverityInfo, 5*time.Second)
	ev := &device.ChangeEvent{
		DeviceID:   "01S00C123400001",
		DeviceName: "P1S Garage",
		Kind:       device.KindFieldChange,
		Field:      device.FieldGcodeState,
		Old:        "RUNNING",
		New:        "PAUSE",
		Severity:   device.SeverityWarning,
		At:         time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	if err := sink.Deliver(ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected JSON content type, got %q", gotContentType)
	}

	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.DeviceID != "01S00C123400001" {
		t.Fatalf("expected device_id preserved, got %q", payload.DeviceID)
	}
	if payload.Kind != "change" || payload.Severity != "warning" {
		t.Fatalf("expected change/warning, got %s/%s", payload.Kind, payload.Severity)
	}
	if payload.Old != "RUNNING" || payload.New != "PAUSE" {
		t.Fatalf("expected RUNNING/PAUSE, got %s/%s", payload.Old, payload.New)
	}
	if payload.At != "2025-03-04T05:06:07Z" {
		t.Fatalf("expected RFC3339 timestamp, got %q", payload.At)
	}
	if payload.Line != "[P1S Garage] gcode_state: RUNNING -> PAUSE (warning)" {
		t.Fatalf("unexpected line %q", payload.Line)
	}
}

func TestWebhookSinkSkipsBelowMinSeverity(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, device.SeverityWarning, 5*time.Second)
	ev := &device.ChangeEvent{
		DeviceID: "dev1",
		Kind:     device.KindFieldChange,
		Field:    device.FieldProgress,
		Old:      "41",
		New:      "42",
		Severity: device.SeverityInfo,
		At:       time.Now(),
	}
	if err := sink.Deliver(ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected info event to be skipped, got %d requests", hits.Load())
	}
}

func TestWebhookSinkReportsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, device.SeverityInfo, 5*time.Second)
	ev := &device.ChangeEvent{
		DeviceID: "dev1",
		Kind:     device.KindOnline,
		Severity: device.SeverityInfo,
		At:       time.Now(),
	}
	if err := sink.Deliver(ev); err == nil {
		t.Fatalf("expected error for non-2xx status")
	}
}
