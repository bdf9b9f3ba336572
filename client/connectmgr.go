// client/connectmgr.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"errors"
	"log/slog"
	"net/rpc"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/server"
	"github.com/atcflow/datalink/util"
)

// ConnectionManager keeps a controller connected to a relay server: it
// dials in the background, signs on when a connection lands, and retries
// when the connection drops.
type ConnectionManager struct {
	serverAddress           string
	lastRemoteServerAttempt time.Time
	remoteServerChan        chan *serverConnection

	serverRPCVersionMismatch bool

	RemoteServer *Server

	userID     string
	callsign   string
	externalID string

	client *RelayClient

	onNewClient func(*RelayClient)
	onEvent     func(server.EventDto)
	onError     func(error)

	lg *log.Logger
}

func MakeConnectionManager(serverAddress, userID, callsign, externalID string, lg *log.Logger,
	onNewClient func(*RelayClient), onEvent func(server.EventDto), onError func(error)) *ConnectionManager {
	return &ConnectionManager{
		serverAddress:           serverAddress,
		lastRemoteServerAttempt: time.Now(),
		remoteServerChan:        TryConnectRemoteServer(serverAddress, lg),
		userID:                  userID,
		callsign:                callsign,
		externalID:              externalID,
		onNewClient:             onNewClient,
		onEvent:                 onEvent,
		onError:                 onError,
		lg:                      lg,
	}
}

func (cm *ConnectionManager) Connected() bool {
	return cm.client != nil
}

func (cm *ConnectionManager) Client() *RelayClient {
	return cm.client
}

func (cm *ConnectionManager) Disconnect() {
	if cm.client != nil {
		cm.client.Disconnect()
		cm.client = nil
		if cm.onNewClient != nil {
			cm.onNewClient(nil)
		}
	}
	if cm.RemoteServer != nil {
		cm.RemoteServer.Close()
		cm.RemoteServer = nil
	}
}

// Update advances the connection state machine; call it regularly from
// the application's main loop.
func (cm *ConnectionManager) Update() {
	select {
	case conn := <-cm.remoteServerChan:
		if err := conn.Err; err != nil {
			cm.lg.Info("Unable to connect to relay server", slog.Any("error", err))
			cm.RemoteServer = nil
		} else {
			cm.RemoteServer = conn.Server
			cm.signOn()
		}

	default:
	}

	if cm.RemoteServer == nil && time.Since(cm.lastRemoteServerAttempt) > 10*time.Second &&
		!cm.serverRPCVersionMismatch {
		cm.lastRemoteServerAttempt = time.Now()
		cm.remoteServerChan = TryConnectRemoteServer(cm.serverAddress, cm.lg)
	}

	if cm.client != nil {
		cm.client.GetUpdates(cm.onEvent,
			func(err error) {
				if errors.Is(err, util.ErrRPCTimeout) || errors.Is(err, rpc.ErrShutdown) ||
					util.IsRPCServerError(err) {
					// Connection is gone; drop the client and let the loop
					// above redial.
					cm.RemoteServer = nil
					cm.client = nil
					if cm.onNewClient != nil {
						cm.onNewClient(nil)
					}
					if cm.onError != nil {
						cm.onError(server.ErrServerDisconnected)
					}
				} else if cm.onError != nil {
					cm.onError(err)
				}
			})
	}
}

func (cm *ConnectionManager) signOn() {
	client, err := cm.RemoteServer.SignOn(cm.userID, cm.callsign, cm.externalID, cm.lg)
	if err != nil {
		cm.lg.Errorf("sign on: %v", err)
		if errors.Is(err, server.ErrRPCVersionMismatch) {
			// No point redialing; the build is stale.
			cm.serverRPCVersionMismatch = true
		}
		if cm.onError != nil {
			cm.onError(err)
		}
		cm.RemoteServer.Close()
		cm.RemoteServer = nil
		return
	}

	cm.client = client
	if cm.onNewClient != nil {
		cm.onNewClient(client)
	}
}
