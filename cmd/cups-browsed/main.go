// Command cups-browsed is the print-queue discovery and reconciliation
// daemon: it learns about remote printers and maintains a matching set
// of local queues for as long as those printers remain reachable.
package main

import (
	"context"
	"fmt"
	"os"

	"cupsbrowsed/internal/config"
	"cupsbrowsed/internal/daemon"
	"cupsbrowsed/internal/logging"
)

const defaultConfPath = "/etc/cups/cups-browsed.conf"

func main() {
	os.Exit(run())
}

func run() int {
	confPath := os.Getenv("CUPS_BROWSED_CONF")
	if confPath == "" {
		confPath = defaultConfPath
	}

	cfg, err := config.Load(confPath, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cups-browsed: %v\n", err)
		return 1
	}

	logging.Configure(os.Getenv("CUPS_BROWSED_ERRORLOG"), 0)
	logging.SetVerbose(cfg.Debug)

	d := daemon.New(cfg)
	logging.Printf("starting, directions=%s", d.DescribeProtocols())

	// Daemon.Run owns all signal handling itself (TERM/INT/USR1/USR2),
	// so the context here only needs to carry cancellation the process
	// has no other way to request.
	code := d.Run(context.Background())
	logging.Printf("exiting with status %d", code)
	return code
}
