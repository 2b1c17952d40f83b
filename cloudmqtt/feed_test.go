package cloudmqtt

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"printwatch/device"
)

type injected struct {
	deviceID string
	snap     *device.Snapshot
}

type fakeInjector struct {
	mu    sync.Mutex
	calls []injected
}

func (f *fakeInjector) InjectPush(deviceID string, snap *device.Snapshot) bool {
	f.mu.Lock()
	f.calls = append(f.calls, injected{deviceID: deviceID, snap: snap})
	f.mu.Unlock()
	return true
}

func (f *fakeInjector) all() []injected {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]injected(nil), f.calls...)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func newTestFeed(inj Injector) *Feed {
	return New(Config{Broker: "ssl://broker.invalid:8883"}, nil, inj)
}

func TestDeviceIDFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"device/01S00C123400001/report", "01S00C123400001", true},
		{"device//report", "", false},
		{"device/01S00C123400001/request", "", false},
		{"ota/status", "", false},
		{"device/01S00C123400001/report/extra", "", false},
	}
	for _, c := range cases {
		got, ok := deviceIDFromTopic(c.topic)
		if ok != c.ok || got != c.want {
			t.Fatalf("topic %q: expected (%q,%v), got (%q,%v)", c.topic, c.want, c.ok, got, ok)
		}
	}
}

func TestProcessInjectsDecodedReport(t *testing.T) {
	inj := &fakeInjector{}
	f := newTestFeed(inj)

	payload := []byte(`{"print":{"gcode_state":"RUNNING","mc_percent":42.5,"bed_temper":60.0}}`)
	f.process("device/01S00C123400001/report", payload)

	calls := inj.all()
	if len(calls) != 1 {
		t.Fatalf("expected 1 injected snapshot, got %d", len(calls))
	}
	if calls[0].deviceID != "01S00C123400001" {
		t.Fatalf("expected device ID from topic, got %q", calls[0].deviceID)
	}
	snap := calls[0].snap
	if snap.Source != device.SourcePush {
		t.Fatalf("expected source PUSH, got %s", snap.Source)
	}
	if got := snap.Fields[device.FieldGcodeState]; got != "RUNNING" {
		t.Fatalf("expected gcode_state RUNNING, got %q", got)
	}
	if got := snap.Fields[device.FieldOnline]; got != "true" {
		t.Fatalf("expected push report to imply online, got %q", got)
	}
}

func TestProcessSkipsNonPrintMessages(t *testing.T) {
	inj := &fakeInjector{}
	f := newTestFeed(inj)

	f.process("device/01S00C123400001/report", []byte(`{"info":{"command":"get_version"}}`))
	if len(inj.all()) != 0 {
		t.Fatalf("expected non-print message to be ignored")
	}
}

func TestProcessSkipsEmptyPrintReport(t *testing.T) {
	inj := &fakeInjector{}
	f := newTestFeed(inj)

	f.process("device/01S00C123400001/report", []byte(`{"print":{}}`))
	if len(inj.all()) != 0 {
		t.Fatalf("expected report with no status fields to be ignored")
	}
}

func TestProcessIgnoresMalformedPayload(t *testing.T) {
	inj := &fakeInjector{}
	f := newTestFeed(inj)

	f.process("device/01S00C123400001/report", []byte(`{"print":`))
	if len(inj.all()) != 0 {
		t.Fatalf("expected malformed payload to be dropped")
	}
}

func TestHandleMessageDropsWhenQueueFull(t *testing.T) {
	f := &Feed{msgs: make(chan mqtt.Message, 1), stop: make(chan struct{})}

	f.handleMessage(nil, fakeMessage{topic: "device/a/report"})
	f.handleMessage(nil, fakeMessage{topic: "device/b/report"})

	if len(f.msgs) != 1 {
		t.Fatalf("expected exactly 1 queued message, got %d", len(f.msgs))
	}
}

func TestDecodeLoopDeliversQueuedMessages(t *testing.T) {
	inj := &fakeInjector{}
	f := newTestFeed(inj)
	f.wg.Add(1)
	go f.decodeLoop()

	f.msgs <- fakeMessage{
		topic:   "device/01S00C123400001/report",
		payload: []byte(`{"print":{"gcode_state":"PAUSE"}}`),
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(inj.all()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	close(f.stop)
	f.wg.Wait()

	calls := inj.all()
	if len(calls) != 1 {
		t.Fatalf("expected the queued report to be injected, got %d calls", len(calls))
	}
	if got := calls[0].snap.Fields[device.FieldGcodeState]; got != "PAUSE" {
		t.Fatalf("expected decoded gcode_state PAUSE, got %q", got)
	}
}
