// acars/netclient.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package acars

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/log"

	"github.com/vmihailenco/msgpack/v5"
)

// The relay's own framing for talking to a datalink gateway: a stream of
// msgpack-encoded frames over TCP, a logon frame first, uplinks out,
// downlinks in.
type wireFrame struct {
	Type     string                 `msgpack:"type"`
	Logon    *wireLogon             `msgpack:"logon,omitempty"`
	Uplink   *cpdlc.UplinkMessage   `msgpack:"uplink,omitempty"`
	Downlink *cpdlc.DownlinkMessage `msgpack:"downlink,omitempty"`
}

type wireLogon struct {
	AuthenticationCode string `msgpack:"authentication_code"`
	NetworkName        string `msgpack:"network_name"`
	StationIdentifier  string `msgpack:"station_identifier"`
}

var errNotConnected = errors.New("not connected")

type netClient struct {
	config Config
	lg     *log.Logger

	mu            sync.Mutex
	conn          net.Conn
	enc           *msgpack.Encoder
	inbound       chan cpdlc.DownlinkMessage
	inboundClosed bool
}

// NewNetworkClient returns a Client that speaks the msgpack framing to
// the gateway at config.EndpointURL (host:port).
func NewNetworkClient(config Config, lg *log.Logger) Client {
	return &netClient{
		config:  config,
		lg:      lg.With("client_id", config.ClientID),
		inbound: make(chan cpdlc.DownlinkMessage, 16),
	}
}

// Connect dials the gateway and sends the logon frame; it is a no-op if
// already connected.
func (c *netClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.config.EndpointURL)
	if err != nil {
		return err
	}

	enc := msgpack.NewEncoder(conn)
	if err := enc.Encode(wireFrame{
		Type: "logon",
		Logon: &wireLogon{
			AuthenticationCode: c.config.AuthenticationCode,
			NetworkName:        c.config.NetworkName,
			StationIdentifier:  c.config.StationIdentifier,
		},
	}); err != nil {
		conn.Close()
		return err
	}

	// A previous connection's reader closed the old inbound channel on
	// its way out; reconnecting needs a fresh one.
	if c.inboundClosed {
		c.inbound = make(chan cpdlc.DownlinkMessage, 16)
		c.inboundClosed = false
	}

	c.conn = conn
	c.enc = enc
	go c.read(conn, c.inbound)
	return nil
}

// read decodes frames until the connection dies, forwarding downlinks to
// inbound. It only ever closes the channel it was handed, so a stale
// reader can't close a successor connection's channel.
func (c *netClient) read(conn net.Conn, inbound chan cpdlc.DownlinkMessage) {
	defer c.lg.CatchAndReportCrash()

	dec := msgpack.NewDecoder(conn)
	for {
		var f wireFrame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.lg.Errorf("read: %v", err)
			}

			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.enc = nil
				c.inboundClosed = true
			}
			c.mu.Unlock()
			close(inbound)
			return
		}

		if f.Type == "downlink" && f.Downlink != nil {
			inbound <- *f.Downlink
		} else {
			c.lg.Warnf("unexpected frame type %q", f.Type)
		}
	}
}

func (c *netClient) Send(ctx context.Context, msg *cpdlc.UplinkMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enc == nil {
		return errNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.enc.Encode(wireFrame{Type: "uplink", Uplink: msg})
}

func (c *netClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	// The reader notices the closed connection and shuts down the
	// inbound channel.
	return err
}

func (c *netClient) Inbound() <-chan cpdlc.DownlinkMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbound
}
