// acars/netclient_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package acars

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/atcflow/datalink/cpdlc"

	"github.com/vmihailenco/msgpack/v5"
)

// fakeGateway is a minimal in-process datalink gateway: it accepts
// connections, records the logon frame, and lets the test script
// downlinks and drops.
type fakeGateway struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	g := &fakeGateway{ln: ln, conns: make(chan net.Conn, 4)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			g.conns <- conn
		}
	}()
	return g
}

// accept waits for the next client connection and consumes its logon
// frame.
func (g *fakeGateway) accept(t *testing.T) (net.Conn, wireFrame) {
	t.Helper()

	select {
	case conn := <-g.conns:
		var logon wireFrame
		if err := msgpack.NewDecoder(conn).Decode(&logon); err != nil {
			t.Fatalf("decode logon: %v", err)
		}
		return conn, logon

	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for client connection")
		return nil, wireFrame{}
	}
}

func makeNetClient(g *fakeGateway) Client {
	return NewNetworkClient(Config{
		ClientID:           "acars-east",
		EndpointURL:        g.ln.Addr().String(),
		AuthenticationCode: "s3cret",
		NetworkName:        "TESTNET",
		StationIdentifier:  "KBOS",
	}, nil)
}

func TestNetClientLogonAndDownlink(t *testing.T) {
	g := newFakeGateway(t)
	c := makeNetClient(g)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn, logon := g.accept(t)
	defer conn.Close()

	if logon.Type != "logon" || logon.Logon == nil {
		t.Fatalf("expected logon frame, got %+v", logon)
	}
	if logon.Logon.AuthenticationCode != "s3cret" || logon.Logon.NetworkName != "TESTNET" {
		t.Errorf("logon frame contents: %+v", logon.Logon)
	}

	// Connect is a no-op while connected.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("repeated Connect: %v", err)
	}

	enc := msgpack.NewEncoder(conn)
	if err := enc.Encode(wireFrame{
		Type:     "downlink",
		Downlink: &cpdlc.DownlinkMessage{MessageID: 1, Sender: "DAL88", Content: "REQUEST FL350"},
	}); err != nil {
		t.Fatalf("encode downlink: %v", err)
	}

	select {
	case msg := <-c.Inbound():
		if msg.Sender != "DAL88" || msg.Content != "REQUEST FL350" {
			t.Errorf("unexpected downlink %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for downlink")
	}
}

func TestNetClientReconnect(t *testing.T) {
	g := newFakeGateway(t)
	c := makeNetClient(g)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn, _ := g.accept(t)

	// Drop the connection from the gateway side; the client's inbound
	// stream closes.
	conn.Close()
	select {
	case _, ok := <-c.Inbound():
		if ok {
			t.Fatalf("unexpected downlink on dropped connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("inbound not closed after connection drop")
	}

	// Reconnecting works and yields a fresh, open inbound stream.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	conn2, logon := g.accept(t)
	defer conn2.Close()
	if logon.Type != "logon" {
		t.Fatalf("expected logon frame on reconnect, got %+v", logon)
	}

	if err := msgpack.NewEncoder(conn2).Encode(wireFrame{
		Type:     "downlink",
		Downlink: &cpdlc.DownlinkMessage{MessageID: 2, Sender: "DAL88", Content: "LOGON"},
	}); err != nil {
		t.Fatalf("encode downlink: %v", err)
	}

	select {
	case msg, ok := <-c.Inbound():
		if !ok {
			t.Fatalf("inbound closed after reconnect")
		}
		if msg.MessageID != 2 {
			t.Errorf("unexpected downlink %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for downlink after reconnect")
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
}
