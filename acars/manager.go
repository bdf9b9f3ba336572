// acars/manager.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package acars

import (
	"context"
	"log/slog"
	"time"

	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

// publishTimeout bounds how long a consumer waits for the downlink
// handler; a stalled handler costs us one message, not the read loop.
const publishTimeout = 10 * time.Second

// dedupTTL is how long a (client, callsign, message id) triple is
// remembered for duplicate suppression.
const dedupTTL = 10 * time.Minute

// DownlinkHandler receives each inbound downlink tagged with the client
// that delivered it. Handlers are called from the client's dedicated
// consumer goroutine, one message at a time per client, in network
// delivery order.
type DownlinkHandler func(ctx context.Context, clientID string, msg cpdlc.DownlinkMessage)

// ManagerConfig holds the connect/retry knobs.
type ManagerConfig struct {
	MaxConnectAttempts int
	ConnectBackoffBase time.Duration
}

type managedClient struct {
	config    Config
	client    Client
	available util.AtomicBool
}

// Manager owns the set of configured ACARS clients: it connects each one
// with bounded exponential backoff, runs one consumer goroutine per
// client, and fans inbound downlinks into the handler. A client that
// exhausts its connect attempts is marked unavailable and the others
// keep operating.
type Manager struct {
	config  ManagerConfig
	clients map[string]*managedClient
	handler DownlinkHandler

	// dedup drops downlinks the network delivered more than once.
	dedup *expirable.LRU[dedupKey, struct{}]

	eg     *errgroup.Group
	cancel context.CancelFunc

	lg *log.Logger
}

type dedupKey struct {
	clientID string
	callsign string
	id       cpdlc.MessageID
}

func NewManager(config ManagerConfig, configs []Config, factory Factory,
	handler DownlinkHandler, lg *log.Logger) *Manager {
	m := &Manager{
		config:  config,
		clients: make(map[string]*managedClient),
		handler: handler,
		dedup:   expirable.NewLRU[dedupKey, struct{}](4096, nil, dedupTTL),
		lg:      lg,
	}
	for _, c := range configs {
		m.clients[c.ClientID] = &managedClient{config: c, client: factory(c)}
	}
	return m
}

// Start connects every client and launches its consumer. Connect
// failures are retried with exponential backoff up to the configured
// attempt limit; final failure marks that client unavailable and is not
// fatal to the manager.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, ctx = errgroup.WithContext(ctx)

	for id, mc := range m.clients {
		id, mc := id, mc
		m.eg.Go(func() error {
			defer m.lg.CatchAndReportCrash()

			if !m.connectWithBackoff(ctx, mc) {
				return nil
			}
			mc.available.Store(true)
			m.consume(ctx, id, mc)
			return nil
		})
	}
}

func (m *Manager) connectWithBackoff(ctx context.Context, mc *managedClient) bool {
	backoff := m.config.ConnectBackoffBase
	for attempt := 1; ; attempt++ {
		err := mc.client.Connect(ctx)
		if err == nil {
			m.lg.Info("ACARS client connected",
				slog.String("client_id", mc.config.ClientID),
				slog.Int("attempt", attempt))
			return true
		}

		if attempt == m.config.MaxConnectAttempts {
			m.lg.Error("ACARS client unavailable after max connect attempts",
				slog.String("client_id", mc.config.ClientID),
				slog.Int("attempts", attempt), slog.Any("error", err))
			return false
		}

		m.lg.Warn("ACARS client connect failed; retrying",
			slog.String("client_id", mc.config.ClientID),
			slog.Int("attempt", attempt), slog.Duration("backoff", backoff),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// consume reads the client's inbound stream until it closes or the
// context is canceled, republishing each downlink through the handler.
// Each publish is bounded by publishTimeout; an expired publish drops
// the message, it is never retried.
func (m *Manager) consume(ctx context.Context, clientID string, mc *managedClient) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-mc.client.Inbound():
			if !ok {
				m.lg.Warn("ACARS inbound stream closed",
					slog.String("client_id", clientID))
				mc.available.Store(false)
				return
			}

			key := dedupKey{clientID: clientID, callsign: msg.Sender, id: msg.MessageID}
			if _, seen := m.dedup.Get(key); seen {
				m.lg.Info("dropping duplicate downlink",
					slog.String("client_id", clientID), slog.Any("message", &msg))
				continue
			}
			m.dedup.Add(key, struct{}{})

			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			done := make(chan struct{})
			go func() {
				defer close(done)
				m.handler(pctx, clientID, msg)
			}()
			select {
			case <-done:
			case <-pctx.Done():
				m.lg.Error("downlink publish timed out; dropping message",
					slog.String("client_id", clientID), slog.Any("message", &msg))
			}
			cancel()
		}
	}
}

// Send transmits the uplink via the named client. Unknown client ids and
// unavailable clients are surfaced to the caller; there is no automatic
// retry here.
func (m *Manager) Send(ctx context.Context, clientID string, msg *cpdlc.UplinkMessage) error {
	mc, ok := m.clients[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if !mc.available.Load() {
		return ErrClientUnavailable
	}
	return mc.client.Send(ctx, msg)
}

// Available reports whether the named client is connected and usable.
func (m *Manager) Available(clientID string) bool {
	mc, ok := m.clients[clientID]
	return ok && mc.available.Load()
}

// Stop cancels the consumers, waits for them to finish, and then
// disconnects every client.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	if m.eg != nil {
		_ = m.eg.Wait()
	}

	for id, mc := range m.clients {
		if err := mc.client.Disconnect(ctx); err != nil {
			m.lg.Errorf("%s: disconnect: %v", id, err)
		}
		mc.available.Store(false)
	}
}
