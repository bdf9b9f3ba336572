// server/errors.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"errors"

	"github.com/atcflow/datalink/acars"
	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/util"
)

var (
	ErrControllerAlreadySignedOn = errors.New("Controller with that callsign already signed on")
	ErrInvalidControllerToken    = errors.New("Invalid controller token")
	ErrRPCVersionMismatch        = errors.New("Client and server RPC versions don't match")
	ErrServerDisconnected        = errors.New("Server disconnected")
	ErrServerShuttingDown        = errors.New("Server is shutting down")
)

var errorStringToError = map[string]error{
	cpdlc.ErrAircraftNotConnected.Error(): cpdlc.ErrAircraftNotConnected,

	acars.ErrClientUnavailable.Error(): acars.ErrClientUnavailable,
	acars.ErrUnknownClient.Error():     acars.ErrUnknownClient,

	util.ErrRPCTimeout.Error(): util.ErrRPCTimeout,

	ErrControllerAlreadySignedOn.Error(): ErrControllerAlreadySignedOn,
	ErrInvalidControllerToken.Error():    ErrInvalidControllerToken,
	ErrRPCVersionMismatch.Error():        ErrRPCVersionMismatch,
	ErrServerDisconnected.Error():        ErrServerDisconnected,
	ErrServerShuttingDown.Error():        ErrServerShuttingDown,
}

// TryDecodeError maps an error passed back over RPC to a canonical error
// value so that callers can compare against the sentinels with errors.Is.
func TryDecodeError(e error) error {
	if e == nil {
		return e
	}
	return TryDecodeErrorString(e.Error())
}

// TryDecodeErrorString returns the decoded error for the string if it is
// known and otherwise returns an error wrapping the string.
func TryDecodeErrorString(s string) error {
	if err, ok := errorStringToError[s]; ok {
		return err
	}
	return errors.New(s)
}
