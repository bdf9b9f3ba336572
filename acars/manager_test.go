// acars/manager_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package acars

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atcflow/datalink/cpdlc"
)

// fakeClient is a scriptable Client: it fails the first failConnects
// Connect calls and delivers whatever the test pushes into inbound.
type fakeClient struct {
	mu           sync.Mutex
	failConnects int
	connects     int
	sent         []*cpdlc.UplinkMessage

	inbound chan cpdlc.DownlinkMessage
}

func newFakeClient(failConnects int) *fakeClient {
	return &fakeClient{
		failConnects: failConnects,
		inbound:      make(chan cpdlc.DownlinkMessage, 16),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++
	if c.connects <= c.failConnects {
		return errors.New("connection refused")
	}
	return nil
}

func (c *fakeClient) Send(ctx context.Context, msg *cpdlc.UplinkMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }

func (c *fakeClient) Inbound() <-chan cpdlc.DownlinkMessage { return c.inbound }

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type handledMsg struct {
	clientID string
	msg      cpdlc.DownlinkMessage
}

// collectingHandler accumulates handled downlinks for inspection.
type collectingHandler struct {
	mu   sync.Mutex
	msgs []handledMsg
}

func (h *collectingHandler) handle(ctx context.Context, clientID string, msg cpdlc.DownlinkMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, handledMsg{clientID: clientID, msg: msg})
}

func (h *collectingHandler) get() []handledMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handledMsg(nil), h.msgs...)
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func makeTestManager(t *testing.T, clients map[string]*fakeClient, handler DownlinkHandler) *Manager {
	t.Helper()

	var configs []Config
	for id := range clients {
		configs = append(configs, Config{ClientID: id, EndpointURL: "test"})
	}
	factory := func(c Config) Client { return clients[c.ClientID] }

	m := NewManager(ManagerConfig{
		MaxConnectAttempts: 3,
		ConnectBackoffBase: time.Millisecond,
	}, configs, factory, handler, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})

	return m
}

func TestManagerConnectWithBackoff(t *testing.T) {
	fc := newFakeClient(2) // succeeds on third attempt
	h := &collectingHandler{}
	m := makeTestManager(t, map[string]*fakeClient{"acars-east": fc}, h.handle)

	m.Start(context.Background())

	waitFor(t, "client available", func() bool { return m.Available("acars-east") })
	if got := fc.connectCount(); got != 3 {
		t.Errorf("expected 3 connect attempts, got %d", got)
	}
}

func TestManagerExhaustedConnectAttempts(t *testing.T) {
	failing := newFakeClient(99)
	healthy := newFakeClient(0)
	h := &collectingHandler{}
	m := makeTestManager(t, map[string]*fakeClient{
		"acars-east": failing,
		"acars-west": healthy,
	}, h.handle)

	m.Start(context.Background())

	// The healthy client comes up; the failing one gives up after the
	// attempt limit without taking the manager down.
	waitFor(t, "healthy client available", func() bool { return m.Available("acars-west") })
	waitFor(t, "failing client to give up", func() bool { return failing.connectCount() == 3 })

	if m.Available("acars-east") {
		t.Errorf("exhausted client reported available")
	}
	if err := m.Send(context.Background(), "acars-east", &cpdlc.UplinkMessage{}); !errors.Is(err, ErrClientUnavailable) {
		t.Errorf("Send to unavailable client: %v, expected ErrClientUnavailable", err)
	}
}

func TestManagerRepublishesTaggedDownlinks(t *testing.T) {
	east := newFakeClient(0)
	west := newFakeClient(0)
	h := &collectingHandler{}
	m := makeTestManager(t, map[string]*fakeClient{
		"acars-east": east,
		"acars-west": west,
	}, h.handle)

	m.Start(context.Background())
	waitFor(t, "clients available", func() bool {
		return m.Available("acars-east") && m.Available("acars-west")
	})

	east.inbound <- cpdlc.DownlinkMessage{MessageID: 1, Sender: "DAL88", Content: "REQUEST FL350"}
	west.inbound <- cpdlc.DownlinkMessage{MessageID: 1, Sender: "UAL12", Content: "REQUEST FL390"}

	waitFor(t, "two handled downlinks", func() bool { return len(h.get()) == 2 })

	for _, hm := range h.get() {
		switch hm.msg.Sender {
		case "DAL88":
			if hm.clientID != "acars-east" {
				t.Errorf("DAL88 tagged %q, expected acars-east", hm.clientID)
			}
		case "UAL12":
			if hm.clientID != "acars-west" {
				t.Errorf("UAL12 tagged %q, expected acars-west", hm.clientID)
			}
		default:
			t.Errorf("unexpected downlink from %q", hm.msg.Sender)
		}
	}
}

func TestManagerDropsDuplicateDownlinks(t *testing.T) {
	fc := newFakeClient(0)
	h := &collectingHandler{}
	m := makeTestManager(t, map[string]*fakeClient{"acars-east": fc}, h.handle)

	m.Start(context.Background())
	waitFor(t, "client available", func() bool { return m.Available("acars-east") })

	msg := cpdlc.DownlinkMessage{MessageID: 7, Sender: "DAL88", Content: "WILCO"}
	fc.inbound <- msg
	fc.inbound <- msg // network duplicate
	fc.inbound <- cpdlc.DownlinkMessage{MessageID: 8, Sender: "DAL88", Content: "ROGER"}

	waitFor(t, "two handled downlinks", func() bool { return len(h.get()) == 2 })

	// Brief grace period to catch the duplicate sneaking through late.
	time.Sleep(10 * time.Millisecond)
	if got := len(h.get()); got != 2 {
		t.Errorf("expected duplicate to be dropped, handled %d messages", got)
	}
}

func TestManagerSend(t *testing.T) {
	fc := newFakeClient(0)
	h := &collectingHandler{}
	m := makeTestManager(t, map[string]*fakeClient{"acars-east": fc}, h.handle)

	m.Start(context.Background())
	waitFor(t, "client available", func() bool { return m.Available("acars-east") })

	msg := &cpdlc.UplinkMessage{MessageID: 1, Recipient: "DAL88", Content: "CLIMB TO AND MAINTAIN FL350"}
	if err := m.Send(context.Background(), "acars-east", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fc.sent) != 1 || fc.sent[0] != msg {
		t.Errorf("uplink not delivered to client")
	}

	if err := m.Send(context.Background(), "nonexistent", msg); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Send to unknown client: %v, expected ErrUnknownClient", err)
	}
}

func TestManagerStop(t *testing.T) {
	fc := newFakeClient(0)
	h := &collectingHandler{}
	m := makeTestManager(t, map[string]*fakeClient{"acars-east": fc}, h.handle)

	m.Start(context.Background())
	waitFor(t, "client available", func() bool { return m.Available("acars-east") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Stop(ctx)

	if m.Available("acars-east") {
		t.Errorf("client available after Stop")
	}
}
