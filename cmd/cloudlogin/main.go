// Command cloudlogin performs one cloud login and saves the resulting
// token where the daemon and the other tools expect it. The vendor cloud
// invalidates older sessions on some account tiers when a new login
// lands, so logging in once here and sharing the saved token avoids
// kicking a running daemon out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"printwatch/cloud"
	"printwatch/config"
	"printwatch/session"
)

func main() {
	var (
		configPath = flag.String("config", "data/config", "Path to the configuration directory")
		account    = flag.String("account", "", "Cloud account e-mail (defaults to the configured account)")
		region     = flag.String("region", "", "Cloud region, global or china (defaults to the configured region)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *region != "" {
		r := strings.ToLower(strings.TrimSpace(*region))
		if r != cloud.RegionGlobal && r != cloud.RegionChina {
			log.Fatalf("unknown region %q (use %s or %s)", *region, cloud.RegionGlobal, cloud.RegionChina)
		}
		cfg.Cloud.Region = r
	}

	login := strings.TrimSpace(*account)
	if login == "" && cfg.Cloud.AccountEnv != "" {
		login = strings.TrimSpace(os.Getenv(cfg.Cloud.AccountEnv))
	}
	if login == "" {
		login = strings.TrimSpace(cfg.Cloud.Account)
	}
	if login == "" {
		log.Fatalf("no account set; pass -account or set %s", cfg.Cloud.AccountEnv)
	}

	password := cfg.Cloud.Password
	if cfg.Cloud.PasswordEnv != "" {
		if v := os.Getenv(cfg.Cloud.PasswordEnv); v != "" {
			password = v
		}
	}
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			log.Fatalf("no password available and stdin is not a terminal; set %s", cfg.Cloud.PasswordEnv)
		}
		fmt.Fprintf(os.Stderr, "Password for %s: ", login)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("failed to read password: %v", err)
		}
		password = string(raw)
	}

	client := cloud.NewClient(cloud.Config{
		Region:  cfg.Cloud.Region,
		BaseURL: cfg.Cloud.APIBase,
		Timeout: time.Duration(cfg.Cloud.TimeoutSeconds) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Session.LoginTimeoutSeconds)*time.Second)
	defer cancel()

	cred, err := client.Login(ctx, login, password)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	if err := session.SaveToken(cfg.Session.TokenPath, cred); err != nil {
		log.Fatalf("failed to save token: %v", err)
	}

	fmt.Printf("Logged in as %s (uid %d)\n", login, cred.UID)
	fmt.Printf("Token valid until %s, saved to %s\n", cred.ExpiresAt.Format(time.RFC1123), cfg.Session.TokenPath)
}
