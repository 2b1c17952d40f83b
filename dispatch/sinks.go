package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"printwatch/device"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogSink writes every event to the process log. It never fails.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(ev *device.ChangeEvent) error {
	log.Printf("Event: %s", ev.Format())
	return nil
}

const defaultWebhookTimeout = 10 * time.Second

// WebhookSink POSTs events as JSON to an operator-provided endpoint. Events
// below MinSeverity are skipped, so a webhook can receive only warnings and
// highs while the log sink still sees everything.
type WebhookSink struct {
	URL         string
	MinSeverity device.Severity
	client      *http.Client
}

// NewWebhookSink builds a sink for the given endpoint. A zero timeout uses
// the default.
func NewWebhookSink(url string, minSeverity device.Severity, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		URL:         url,
		MinSeverity: minSeverity,
		client:      &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	Kind       string `json:"kind"`
	Field      string `json:"field,omitempty"`
	Old        string `json:"old,omitempty"`
	New        string `json:"new,omitempty"`
	Severity   string `json:"severity"`
	At         string `json:"at"`
	Line       string `json:"line"`
}

func (s *WebhookSink) Deliver(ev *device.ChangeEvent) error {
	if ev.Severity < s.MinSeverity {
		return nil
	}
	payload := webhookPayload{
		DeviceID:   ev.DeviceID,
		DeviceName: ev.DeviceName,
		Kind:       ev.Kind.String(),
		Field:      ev.Field,
		Old:        ev.Old,
		New:        ev.New,
		Severity:   ev.Severity.String(),
		At:         ev.At.UTC().Format(time.RFC3339),
		Line:       ev.Format(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch: encode webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "printwatch/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: webhook post: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: webhook %s returned status %d", s.URL, resp.StatusCode)
	}
	return nil
}
