// The appliance daemon is the on-premises half of the fleet: a
// pull-only agent that checks in with the control plane, scans managed
// infrastructure for compliance drift, heals what it can, and journals
// signed evidence for everything it observed.
//
// Usage:
//
//	appliance-daemon --config /var/lib/msp/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/osiriscare/fleet/internal/daemon"
)

var (
	flagConfig  = flag.String("config", "/var/lib/msp/config.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("appliance-daemon %s\n", daemon.Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := daemon.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("shutdown signal: %v", sig)
		cancel()
	}()

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("boot: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("daemon: %v", err)
	}
}
