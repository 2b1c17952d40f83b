// Command eventdump prints archived change events, newest first. The
// database is opened read-only, so it can run next to a live daemon.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"printwatch/archive"
	"printwatch/device"
)

func main() {
	var (
		dbPath   = flag.String("db", "data/events.db", "Path to the event archive")
		deviceID = flag.String("device", "", "Only events for this device ID")
		severity = flag.String("severity", "", "Only events of this severity (info, warning, high)")
		since    = flag.Duration("since", 24*time.Hour, "How far back to look")
		limit    = flag.Int("limit", 200, "Maximum number of events to print")
	)
	flag.Parse()

	sevFilter := ""
	if *severity != "" {
		sev, err := device.ParseSeverity(*severity)
		if err != nil {
			log.Fatalf("invalid severity: %v", err)
		}
		sevFilter = sev.String()
	}

	w, err := archive.OpenReadOnly(*dbPath)
	if err != nil {
		log.Fatalf("failed to open archive: %v", err)
	}
	defer w.Close()

	events, err := w.Events(archive.Query{
		DeviceID: *deviceID,
		Severity: sevFilter,
		Since:    time.Now().Add(-*since),
		Limit:    *limit,
	})
	if err != nil {
		log.Fatalf("failed to query events: %v", err)
	}

	for _, ev := range events {
		fmt.Printf("%s  %s\n", ev.At.Format("2006-01-02 15:04:05"), ev.Format())
	}
	fmt.Fprintf(os.Stderr, "%d event(s)\n", len(events))
}
