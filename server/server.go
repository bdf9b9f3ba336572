// server/server.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	"net"
	"net/rpc"
	"os"
	"strconv"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"
)

// Version history
// 1: initial release
// 2: message acknowledgement split into uplink/downlink calls
// 3: DTO time fields switched to time.Time, gob->msgpack
const RelaySerializeVersion = 3

const RelayRPCVersion = RelaySerializeVersion
const DefaultServerPort = 8070
const DefaultHTTPServerPort = 6080

type ServerLaunchConfig struct {
	Port     int // if 0, finds an open one
	HTTPPort int // if 0, the stats/events HTTP server is not started
	Relay    *Relay
}

// LaunchServer runs the RPC server until the context is canceled; it
// does not return on success.
func LaunchServer(ctx context.Context, config ServerLaunchConfig, lg *log.Logger) {
	util.MonitorCPUUsage(95, true /* panic if wedged */, lg)
	util.MonitorMemoryUsage(128 /* trigger MB */, 64 /* delta MB */, lg)

	_, server, e := makeServer(ctx, config, lg)
	if e.HaveErrors() {
		e.PrintErrors(lg)
		os.Exit(1)
	}
	server()
}

// LaunchServerAsync starts the server in a goroutine and returns the
// bound RPC port; used by tests and by clients that embed a local server.
func LaunchServerAsync(ctx context.Context, config ServerLaunchConfig, lg *log.Logger) (int, util.ErrorLogger) {
	rpcPort, server, e := makeServer(ctx, config, lg)
	if e.HaveErrors() {
		return 0, e
	}

	go server()

	return rpcPort, e
}

func makeServer(ctx context.Context, config ServerLaunchConfig, lg *log.Logger) (int, func(), util.ErrorLogger) {
	var listener net.Listener
	var err error
	var errorLogger util.ErrorLogger
	var rpcPort int
	if config.Port == 0 {
		if listener, err = net.Listen("tcp", ":0"); err != nil {
			errorLogger.Error(err)
			return 0, nil, errorLogger
		}
		rpcPort = listener.Addr().(*net.TCPAddr).Port
	} else if listener, err = net.Listen("tcp", ":"+strconv.Itoa(config.Port)); err == nil {
		rpcPort = config.Port
	} else {
		errorLogger.Error(err)
		return 0, nil, errorLogger
	}

	relay := config.Relay
	if relay == nil {
		errorLogger.ErrorString("no Relay provided in ServerLaunchConfig")
		return 0, nil, errorLogger
	}

	serverFunc := func() {
		server := rpc.NewServer()

		if err := server.RegisterName("Relay", &dispatcher{relay: relay}); err != nil {
			lg.Errorf("unable to register dispatcher: %v", err)
			os.Exit(1)
		}

		go relay.Run(ctx)

		if config.HTTPPort != 0 {
			go launchHTTPServer(config.HTTPPort, relay, lg)
		}

		// Close the listener when the context is canceled so that Accept
		// returns and the loop below exits.
		go func() {
			<-ctx.Done()
			listener.Close()
		}()

		lg.Infof("Listening on %+v", listener)

		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					lg.Infof("shutting down RPC server")
					return
				}
				lg.Errorf("Accept error: %v", err)
			} else {
				lg.Infof("%s: new connection", conn.RemoteAddr())
				if cc, err := util.MakeCompressedConn(util.MakeLoggingConn(conn, lg)); err != nil {
					lg.Errorf("MakeCompressedConn: %v", err)
				} else {
					codec := util.MakeMessagepackServerCodec(cc, lg)
					codec = util.MakeLoggingServerCodec(conn.RemoteAddr().String(), codec, lg)
					go server.ServeCodec(codec)
				}
			}
		}
	}

	return rpcPort, serverFunc, errorLogger
}
