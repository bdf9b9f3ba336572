// server/relay.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/atcflow/datalink/acars"
	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"
)

// logonRequestContent is the downlink content that initiates a CPDLC
// logon; it is connection management, not part of any dialogue.
const logonRequestContent = "REQUEST LOGON"

// logonAcceptedContent is the uplink confirmation sent back to the
// aircraft when its logon is accepted.
const logonAcceptedContent = "LOGON ACCEPTED"

// UplinkSender is the slice of the ACARS adapter the relay needs;
// *acars.Manager implements it.
type UplinkSender interface {
	Send(ctx context.Context, clientID string, msg *cpdlc.UplinkMessage) error
	Available(clientID string) bool
}

// Relay is the single surface controllers talk to: it owns the dialogue
// store, the connection registries, and the event stream, and mediates
// between controller commands and the ACARS adapter. No store lock is
// held while sending to the network or posting events.
type Relay struct {
	clock       util.Clock
	events      *cpdlc.EventStream
	dialogues   *cpdlc.DialogueStore
	aircraft    *cpdlc.AircraftRegistry
	controllers *cpdlc.ControllerRegistry
	ids         *cpdlc.IDAllocator
	adapter     UplinkSender
	monitor     *cpdlc.Monitor

	mu              util.LoggingMutex
	sessionsByToken map[string]*connectionState
	shuttingDown    bool

	lg *log.Logger
}

func NewRelay(monitorConfig cpdlc.MonitorConfig, clock util.Clock, adapter UplinkSender,
	lg *log.Logger) *Relay {
	r := &Relay{
		clock:           clock,
		events:          cpdlc.NewEventStream(lg),
		dialogues:       cpdlc.NewDialogueStore(lg),
		aircraft:        cpdlc.NewAircraftRegistry(lg),
		controllers:     cpdlc.NewControllerRegistry(lg),
		ids:             cpdlc.NewIDAllocator(),
		adapter:         adapter,
		sessionsByToken: make(map[string]*connectionState),
		lg:              lg,
	}
	r.monitor = cpdlc.NewMonitor(monitorConfig, clock, r.dialogues, r.aircraft, r.ids,
		r.events, lg)
	return r
}

// Run launches the timeout monitor and the idle-session cull loop; it
// returns when the context is canceled.
func (r *Relay) Run(ctx context.Context) {
	go r.monitor.Run(ctx)
	go r.cullIdleSessions(ctx)

	<-ctx.Done()

	r.mu.Lock(r.lg)
	r.shuttingDown = true
	r.mu.Unlock(r.lg)

	r.events.Destroy()
}

// EventStream exposes the relay's event stream for alternate consumers
// (the websocket push channel, the archive writer).
func (r *Relay) EventStream() *cpdlc.EventStream { return r.events }

///////////////////////////////////////////////////////////////////////////
// Controller commands

// SendUplink resolves the aircraft, allocates the next message id on its
// client, records the uplink, and transmits it. A failed transmission is
// flagged on the stored message and surfaced to the caller; no retry
// happens here.
func (r *Relay) SendUplink(ctx context.Context, token string, recipient string,
	replyTo *cpdlc.MessageID, responseType cpdlc.UplinkResponseType,
	content string) (*cpdlc.UplinkMessage, error) {
	sess, ok := r.lookupSession(token)
	if !ok {
		return nil, ErrInvalidControllerToken
	}

	conn, ok := r.aircraft.Find(recipient)
	if !ok || conn.State != cpdlc.ConnectionConnected {
		return nil, cpdlc.ErrAircraftNotConnected
	}

	// Don't record an uplink we already know can't be transmitted.
	if !r.adapter.Available(conn.ClientID) {
		return nil, acars.ErrClientUnavailable
	}

	now := r.clock.Now()
	msg := &cpdlc.UplinkMessage{
		MessageID:        r.ids.Next(conn.ClientID, recipient),
		ReplyReferenceID: replyTo,
		Recipient:        recipient,
		SenderCallsign:   sess.session.Callsign,
		ResponseType:     responseType,
		Content:          content,
		Sent:             now,
	}

	d := r.dialogues.AddOrAppend(recipient, msg, now)

	if err := r.adapter.Send(ctx, conn.ClientID, msg); err != nil {
		r.lg.Warn("uplink transmission failed", slog.Any("message", msg),
			slog.Any("error", err))
		if fd, ok := r.dialogues.MarkTransmissionFailed(d.ID, msg.MessageID); ok {
			r.events.Post(cpdlc.Event{Type: cpdlc.DialogueChangedEvent, Dialogue: &fd})
		}
		return nil, err
	}

	r.events.Post(cpdlc.Event{Type: cpdlc.DialogueChangedEvent, Dialogue: &d})

	up, _ := d.Find(msg.MessageID).(*cpdlc.UplinkMessage)
	return up, nil
}

// AcknowledgeDownlink marks the downlink acknowledged by a controller.
// Unknown dialogue or message ids are a logged no-op.
func (r *Relay) AcknowledgeDownlink(dialogueID cpdlc.DialogueID, id cpdlc.MessageID) {
	r.acknowledge(dialogueID, id, "downlink")
}

// AcknowledgeUplink marks the uplink acknowledged.
func (r *Relay) AcknowledgeUplink(dialogueID cpdlc.DialogueID, id cpdlc.MessageID) {
	r.acknowledge(dialogueID, id, "uplink")
}

func (r *Relay) acknowledge(dialogueID cpdlc.DialogueID, id cpdlc.MessageID, kind string) {
	d, ok := r.dialogues.Acknowledge(dialogueID, id, r.clock.Now())
	if !ok {
		r.lg.Warn("acknowledge: no such dialogue/message",
			slog.String("kind", kind), slog.String("dialogue_id", string(dialogueID)),
			slog.Int("message_id", int(id)))
		return
	}
	r.events.Post(cpdlc.Event{Type: cpdlc.DialogueChangedEvent, Dialogue: &d})
}

// ArchiveDialogue marks the dialogue archived regardless of closure
// state; unknown ids are a logged no-op.
func (r *Relay) ArchiveDialogue(dialogueID cpdlc.DialogueID) {
	d, ok := r.dialogues.Archive(dialogueID, r.clock.Now())
	if !ok {
		r.lg.Warn("archive: no such dialogue",
			slog.String("dialogue_id", string(dialogueID)))
		return
	}
	r.events.Post(cpdlc.Event{Type: cpdlc.DialogueChangedEvent, Dialogue: &d})
}

func (r *Relay) GetAllDialogues() []cpdlc.Dialogue { return r.dialogues.All() }

func (r *Relay) GetConnectedAircraft() []cpdlc.AircraftConnection { return r.aircraft.All() }

func (r *Relay) GetConnectedControllers() []cpdlc.ControllerSession { return r.controllers.All() }

///////////////////////////////////////////////////////////////////////////
// Inbound traffic

// HandleDownlink is the adapter's publish target: it runs on the
// client's consumer goroutine, so downlinks from one client are applied
// in network delivery order.
func (r *Relay) HandleDownlink(ctx context.Context, clientID string, msg cpdlc.DownlinkMessage) {
	defer r.lg.CatchAndReportCrash()

	now := r.clock.Now()

	if msg.Content == logonRequestContent {
		r.handleLogonRequest(ctx, clientID, msg, now)
		return
	}

	conn, ok := r.aircraft.Find(msg.Sender)
	if !ok {
		// First contact without a logon request; bring the aircraft up
		// anyway so the traffic isn't lost.
		r.lg.Warn("downlink from unknown aircraft; implicit logon",
			slog.String("callsign", msg.Sender), slog.String("client_id", clientID))
		conn = r.aircraft.RequestLogon(msg.Sender, clientID, now)
		conn, _ = r.aircraft.AcceptLogon(msg.Sender, now)
		r.events.Post(cpdlc.Event{
			Type:             cpdlc.AircraftConnectionUpdatedEvent,
			AircraftCallsign: conn.Callsign,
			Aircraft:         &conn,
		})
	}

	r.aircraft.RecordSeen(msg.Sender, now)
	r.ids.Observe(clientID, msg.Sender, msg.MessageID)

	// The first downlink after connecting makes us the aircraft's
	// current data authority; broadcast that transition exactly once.
	if promoted, ok := r.aircraft.PromoteToCurrentDataAuthority(msg.Sender); ok {
		r.events.Post(cpdlc.Event{
			Type:             cpdlc.AircraftConnectionUpdatedEvent,
			AircraftCallsign: promoted.Callsign,
			Aircraft:         &promoted,
		})
	}

	d := r.dialogues.AddOrAppend(msg.Sender, &msg, now)
	r.events.Post(cpdlc.Event{Type: cpdlc.DialogueChangedEvent, Dialogue: &d})
}

// handleLogonRequest creates the pending connection, accepts it, and
// confirms to the aircraft. Logon traffic is connection management and
// never enters the dialogue store.
func (r *Relay) handleLogonRequest(ctx context.Context, clientID string,
	msg cpdlc.DownlinkMessage, now time.Time) {
	conn := r.aircraft.RequestLogon(msg.Sender, clientID, now)
	r.events.Post(cpdlc.Event{
		Type:             cpdlc.AircraftConnectionUpdatedEvent,
		AircraftCallsign: conn.Callsign,
		Aircraft:         &conn,
	})

	conn, _ = r.aircraft.AcceptLogon(msg.Sender, now)
	r.events.Post(cpdlc.Event{
		Type:             cpdlc.AircraftConnectionUpdatedEvent,
		AircraftCallsign: conn.Callsign,
		Aircraft:         &conn,
	})

	confirm := &cpdlc.UplinkMessage{
		MessageID:        r.ids.Next(clientID, msg.Sender),
		ReplyReferenceID: &msg.MessageID,
		Recipient:        msg.Sender,
		ResponseType:     cpdlc.UplinkNoResponse,
		Content:          logonAcceptedContent,
		Sent:             now,
	}
	if err := r.adapter.Send(ctx, clientID, confirm); err != nil {
		r.lg.Errorf("%s: logon confirmation: %v", msg.Sender, err)
	}
}
