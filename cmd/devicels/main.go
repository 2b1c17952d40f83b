// Command devicels lists the printers bound to the account using the
// saved session token, optionally with a current status snapshot each.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"printwatch/cloud"
	"printwatch/config"
	"printwatch/session"
)

func main() {
	var (
		configPath = flag.String("config", "data/config", "Path to the configuration directory")
		withStatus = flag.Bool("status", false, "Fetch a status snapshot for each device")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cred, ok := session.LoadToken(cfg.Session.TokenPath)
	if !ok || !cred.Usable(time.Now(), time.Minute) {
		log.Fatalf("no usable session token at %s (run cloudlogin first)", cfg.Session.TokenPath)
	}

	client := cloud.NewClient(cloud.Config{
		Region:  cfg.Cloud.Region,
		BaseURL: cfg.Cloud.APIBase,
		Timeout: time.Duration(cfg.Cloud.TimeoutSeconds) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	devs, err := client.ListDevices(ctx, cred.AccessToken)
	if err != nil {
		log.Fatalf("failed to list devices: %v", err)
	}
	if len(devs) == 0 {
		fmt.Println("No devices bound to this account.")
		return
	}

	for _, dev := range devs {
		online := "offline"
		if dev.Online {
			online = "online"
		}
		fmt.Printf("%s  %-20s  %-8s  %s\n", dev.ID, dev.Name, dev.Model, online)
		if !*withStatus {
			continue
		}
		snap, err := client.DeviceStatus(ctx, cred.AccessToken, dev.ID)
		if err != nil {
			fmt.Printf("    status unavailable: %v\n", err)
			continue
		}
		names := make([]string, 0, len(snap.Fields))
		for name := range snap.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("    %s = %s\n", name, snap.Fields[name])
		}
	}
}
