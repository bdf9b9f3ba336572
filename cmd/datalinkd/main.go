// cmd/datalinkd/main.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atcflow/datalink/acars"
	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/server"
	"github.com/atcflow/datalink/util"
)

var (
	configPath = flag.String("config", "datalink.json", "path to server configuration file")
	port       = flag.Int("port", 0, "RPC port (overrides config)")
	logDir     = flag.String("logdir", "", "directory for log files")
	logLevel   = flag.String("loglevel", "info", "logging level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	lg := log.New(*logLevel, *logDir)

	var e util.ErrorLogger
	config := server.LoadConfig(*configPath, &e)
	if e.HaveErrors() {
		e.PrintErrors(lg)
		os.Exit(1)
	}
	if *port != 0 {
		config.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())

	// The relay and the ACARS manager refer to each other: the relay sends
	// uplinks through the manager and the manager hands downlinks to the
	// relay. Construct the relay with the manager and bind the handler
	// afterward.
	var relay *server.Relay
	manager := acars.NewManager(config.ManagerConfig(), config.Clients,
		func(c acars.Config) acars.Client { return acars.NewNetworkClient(c, lg) },
		func(ctx context.Context, clientID string, msg cpdlc.DownlinkMessage) {
			relay.HandleDownlink(ctx, clientID, msg)
		}, lg)
	relay = server.NewRelay(config.MonitorConfig(), util.RealClock(), manager, lg)

	manager.Start(ctx)

	if config.ArchivePath != "" {
		aw, err := server.NewArchiveWriter(config.ArchivePath, relay.EventStream(), lg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", config.ArchivePath, err)
			os.Exit(1)
		}
		go aw.Run(ctx)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		lg.Infof("shutting down")
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		manager.Stop(stopCtx)
	}()

	server.LaunchServer(ctx, server.ServerLaunchConfig{
		Port:     config.Port,
		HTTPPort: config.HTTPPort,
		Relay:    relay,
	}, lg)
}
