// Package cloudmqtt subscribes to the vendor's MQTT report feed and turns
// incoming print reports into push snapshots for the poller.
//
// The broker publishes partial reports on device/{serial}/report whenever a
// printer's state changes. Push narrows the poll interval's blind spot; it
// is strictly best-effort, and everything it delivers is re-derived by the
// next poll cycle anyway.
package cloudmqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"printwatch/cloud"
	"printwatch/device"
	"printwatch/internal/ratelimit"
)

const (
	reportTopic     = "device/+/report"
	queueDepth      = 256
	dropLogInterval = time.Minute
)

// TokenSource supplies the account credential for broker authentication.
// The session manager implements it; every reconnect attempt pulls a fresh
// credential, so an expired token heals itself.
type TokenSource interface {
	Acquire(ctx context.Context) (cloud.Credential, error)
}

// Injector takes decoded push snapshots. The poller implements it.
type Injector interface {
	InjectPush(deviceID string, snap *device.Snapshot) bool
}

// Config carries feed construction options.
type Config struct {
	// Broker overrides the region-derived broker URL. Empty uses Region.
	Broker string
	Region string

	// Workers is the number of goroutines decoding reports. Zero means 2.
	Workers int
}

// Feed is the MQTT report subscriber.
type Feed struct {
	broker  string
	workers int
	tokens  TokenSource
	inj     Injector

	client  mqtt.Client
	msgs    chan mqtt.Message
	stop    chan struct{}
	dropLog *ratelimit.Counter
	wg      sync.WaitGroup
}

func New(cfg Config, tokens TokenSource, inj Injector) *Feed {
	broker := cfg.Broker
	if broker == "" {
		broker = cloud.MQTTBroker(cfg.Region)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	return &Feed{
		broker:  broker,
		workers: workers,
		tokens:  tokens,
		inj:     inj,
		msgs:    make(chan mqtt.Message, queueDepth),
		stop:    make(chan struct{}),
		dropLog: ratelimit.NewCounter(dropLogInterval),
	}
}

// Start connects to the broker and launches the decode workers. The
// connection keeps retrying in the background, so a broker outage at
// startup delays push instead of failing it.
func (f *Feed) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.broker)
	opts.SetClientID(fmt.Sprintf("printwatch-%d", time.Now().Unix()))
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	opts.SetCredentialsProvider(f.credentials)

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)

	opts.SetOnConnectHandler(f.onConnect)
	opts.SetConnectionLostHandler(f.onConnectionLost)

	f.client = mqtt.NewClient(opts)

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.decodeLoop()
	}

	log.Printf("Push: connecting to report broker at %s", f.broker)
	token := f.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("cloudmqtt: connect: %w", token.Error())
	}
	return nil
}

// credentials is called by the client on every connect attempt.
func (f *Feed) credentials() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cred, err := f.tokens.Acquire(ctx)
	if err != nil {
		log.Printf("Warning: push: acquiring credential for broker: %v", err)
		return "", ""
	}
	return cred.MQTTUsername(), cred.AccessToken
}

func (f *Feed) onConnect(client mqtt.Client) {
	token := client.Subscribe(reportTopic, 0, f.handleMessage)
	if token.Wait() && token.Error() != nil {
		log.Printf("Warning: push: subscribe %s: %v", reportTopic, token.Error())
		return
	}
	log.Printf("Push: subscribed to %s", reportTopic)
}

func (f *Feed) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("Warning: push: broker connection lost: %v", err)
}

// handleMessage runs on the client's callback goroutine. It only queues;
// decoding happens on the workers so a burst of reports cannot stall the
// MQTT keepalive.
func (f *Feed) handleMessage(client mqtt.Client, msg mqtt.Message) {
	select {
	case f.msgs <- msg:
	default:
		if total, ok := f.dropLog.Inc(); ok {
			log.Printf("Warning: push: report queue full, dropping (%d total)", total)
		}
	}
}

func (f *Feed) decodeLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case msg := <-f.msgs:
			f.process(msg.Topic(), msg.Payload())
		}
	}
}

func (f *Feed) process(topic string, payload []byte) {
	deviceID, ok := deviceIDFromTopic(topic)
	if !ok {
		return
	}
	report, err := cloud.DecodeReport(payload)
	if err != nil {
		log.Printf("Warning: push: %v", err)
		return
	}
	if report == nil {
		// Not a print report; the broker shares the topic with other
		// message families.
		return
	}
	snap := report.PushSnapshot(deviceID, time.Now().UTC())
	if len(snap.Fields) == 1 {
		// Only the implied online flag, nothing worth waking the task for.
		return
	}
	f.inj.InjectPush(deviceID, snap)
}

// deviceIDFromTopic extracts the serial from device/{serial}/report.
func deviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "device" || parts[2] != "report" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Stop disconnects from the broker and drains the decode workers.
func (f *Feed) Stop() {
	if f.client != nil && f.client.IsConnected() {
		f.client.Unsubscribe(reportTopic)
		f.client.Disconnect(250)
	}
	close(f.stop)
	f.wg.Wait()
	log.Printf("Push: feed stopped")
}
