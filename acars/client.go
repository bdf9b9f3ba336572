// acars/client.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package acars

import (
	"context"
	"errors"

	"github.com/atcflow/datalink/cpdlc"
)

var (
	ErrUnknownClient     = errors.New("Unknown ACARS client id")
	ErrClientUnavailable = errors.New("ACARS client is unavailable")
)

// Config describes one ACARS client instance; one relay may be attached
// to several networks or stations at once.
type Config struct {
	ClientID           string `json:"client_id"`
	EndpointURL        string `json:"endpoint_url"`
	AuthenticationCode string `json:"authentication_code"`
	NetworkName        string `json:"network_name"`
	StationIdentifier  string `json:"station_identifier"`
}

// Client is a session with one external datalink network. Connect is
// idempotent: calling it when already connected is a no-op. Inbound
// returns the stream of downlinks received from the network; the channel
// is closed when the session ends.
type Client interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *cpdlc.UplinkMessage) error
	Disconnect(ctx context.Context) error
	Inbound() <-chan cpdlc.DownlinkMessage
}

// Factory builds a Client from its configuration; the Manager uses it so
// that tests can substitute fakes for network-backed clients.
type Factory func(config Config) Client
