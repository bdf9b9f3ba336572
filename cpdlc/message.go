// cpdlc/message.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MessageID identifies a message on the datalink network; ids are scoped
// to an (ACARS client, aircraft callsign) pair and allocated sequentially.
type MessageID int

type AlertType int

const (
	AlertNone AlertType = iota
	AlertLow
	AlertMedium
	AlertHigh
)

func (a AlertType) String() string {
	return []string{"None", "Low", "Medium", "High"}[a]
}

// UplinkResponseType encodes what kind of pilot response an uplink expects.
type UplinkResponseType int

const (
	UplinkNoResponse UplinkResponseType = iota
	UplinkWilcoUnable
	UplinkAffirmativeNegative
	UplinkRoger
)

func (r UplinkResponseType) String() string {
	return []string{"NoResponse", "WilcoUnable", "AffirmativeNegative", "Roger"}[r]
}

func ParseUplinkResponseType(s string) (UplinkResponseType, error) {
	for r := UplinkNoResponse; r <= UplinkRoger; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%q: unknown uplink response type", s)
}

// DownlinkResponseType encodes whether a downlink expects a controller
// response.
type DownlinkResponseType int

const (
	DownlinkNoResponse DownlinkResponseType = iota
	DownlinkResponseRequired
)

func (r DownlinkResponseType) String() string {
	return []string{"NoResponse", "ResponseRequired"}[r]
}

func ParseDownlinkResponseType(s string) (DownlinkResponseType, error) {
	for r := DownlinkNoResponse; r <= DownlinkResponseRequired; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%q: unknown downlink response type", s)
}

// Message is the closed union of uplink and downlink messages; the only
// implementations are *UplinkMessage and *DownlinkMessage. Code that
// switches on the concrete type can therefore treat the type switch as
// exhaustive.
type Message interface {
	ID() MessageID
	ReplyReference() (MessageID, bool)
	Callsign() string // aircraft callsign in both directions

	// Special reports whether the message is a provisional holding
	// response (STANDBY, REQUEST DEFERRED) that must not close its
	// dialogue.
	Special() bool

	// SelfClosing reports whether the message expects no response and so
	// is closed the moment it is recorded.
	SelfClosing() bool

	// RequiresResponse reports whether the message is still waiting on an
	// answer from the other party.
	RequiresResponse() bool

	// Time is the instant the message entered the system: sent time for
	// uplinks, received time for downlinks.
	Time() time.Time

	IsClosed() bool
	IsAcknowledged() bool

	setClosed(t time.Time)
	setAcknowledged(t time.Time)
	isMessage()

	slog.LogValuer
}

// UplinkMessage is a controller to aircraft message.
type UplinkMessage struct {
	MessageID        MessageID
	ReplyReferenceID *MessageID
	Recipient        string // aircraft callsign
	SenderCallsign   string // controller callsign
	ResponseType     UplinkResponseType
	Content          string
	Alert            AlertType
	Sent             time.Time

	Closed       time.Time
	Acknowledged time.Time

	PilotLate          bool
	TransmissionFailed bool
	ClosedManually     bool
}

func (m *UplinkMessage) ID() MessageID    { return m.MessageID }
func (m *UplinkMessage) Callsign() string { return m.Recipient }

func (m *UplinkMessage) ReplyReference() (MessageID, bool) {
	if m.ReplyReferenceID == nil {
		return 0, false
	}
	return *m.ReplyReferenceID, true
}

func (m *UplinkMessage) Special() bool {
	return m.Content == "STANDBY" || m.Content == "REQUEST DEFERRED"
}

func (m *UplinkMessage) SelfClosing() bool { return m.ResponseType == UplinkNoResponse }

func (m *UplinkMessage) RequiresResponse() bool {
	return m.ResponseType != UplinkNoResponse && !m.IsClosed()
}

func (m *UplinkMessage) Time() time.Time      { return m.Sent }
func (m *UplinkMessage) IsClosed() bool       { return !m.Closed.IsZero() }
func (m *UplinkMessage) IsAcknowledged() bool { return !m.Acknowledged.IsZero() }

func (m *UplinkMessage) setClosed(t time.Time) {
	if m.Closed.IsZero() {
		m.Closed = t
	}
}

func (m *UplinkMessage) setAcknowledged(t time.Time) {
	if m.Acknowledged.IsZero() {
		m.Acknowledged = t
	}
}

func (m *UplinkMessage) isMessage() {}

func (m *UplinkMessage) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("id", int(m.MessageID)),
		slog.String("recipient", m.Recipient),
		slog.String("sender", m.SenderCallsign),
		slog.String("response_type", m.ResponseType.String()),
		slog.String("content", m.Content),
	}
	if m.ReplyReferenceID != nil {
		attrs = append(attrs, slog.Int("reply_reference", int(*m.ReplyReferenceID)))
	}
	return slog.GroupValue(attrs...)
}

// DownlinkMessage is an aircraft to controller message.
type DownlinkMessage struct {
	MessageID        MessageID
	ReplyReferenceID *MessageID
	Sender           string // aircraft callsign
	ResponseType     DownlinkResponseType
	Content          string
	Alert            AlertType
	Received         time.Time

	Closed       time.Time
	Acknowledged time.Time

	ControllerLate bool
}

func (m *DownlinkMessage) ID() MessageID    { return m.MessageID }
func (m *DownlinkMessage) Callsign() string { return m.Sender }

func (m *DownlinkMessage) ReplyReference() (MessageID, bool) {
	if m.ReplyReferenceID == nil {
		return 0, false
	}
	return *m.ReplyReferenceID, true
}

func (m *DownlinkMessage) Special() bool { return m.Content == "STANDBY" }

func (m *DownlinkMessage) SelfClosing() bool { return m.ResponseType == DownlinkNoResponse }

func (m *DownlinkMessage) RequiresResponse() bool {
	return m.ResponseType == DownlinkResponseRequired && !m.IsClosed()
}

func (m *DownlinkMessage) Time() time.Time      { return m.Received }
func (m *DownlinkMessage) IsClosed() bool       { return !m.Closed.IsZero() }
func (m *DownlinkMessage) IsAcknowledged() bool { return !m.Acknowledged.IsZero() }

func (m *DownlinkMessage) setClosed(t time.Time) {
	if m.Closed.IsZero() {
		m.Closed = t
	}
}

func (m *DownlinkMessage) setAcknowledged(t time.Time) {
	if m.Acknowledged.IsZero() {
		m.Acknowledged = t
	}
}

func (m *DownlinkMessage) isMessage() {}

func (m *DownlinkMessage) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("id", int(m.MessageID)),
		slog.String("sender", m.Sender),
		slog.String("response_type", m.ResponseType.String()),
		slog.String("content", m.Content),
	}
	if m.ReplyReferenceID != nil {
		attrs = append(attrs, slog.Int("reply_reference", int(*m.ReplyReferenceID)))
	}
	return slog.GroupValue(attrs...)
}

///////////////////////////////////////////////////////////////////////////
// IDAllocator

// IDAllocator hands out successive MessageIDs scoped to an (ACARS client,
// aircraft callsign) pair, matching the network's id scoping.
type IDAllocator struct {
	mu   sync.Mutex
	next map[idScope]MessageID
}

type idScope struct {
	clientID string
	callsign string
}

func NewIDAllocator() *IDAllocator {
	return &IDAllocator{next: make(map[idScope]MessageID)}
}

func (a *IDAllocator) Next(clientID, callsign string) MessageID {
	a.mu.Lock()
	defer a.mu.Unlock()

	scope := idScope{clientID: clientID, callsign: callsign}
	a.next[scope]++
	return a.next[scope]
}

// Observe records an id seen from the network so that locally allocated
// ids don't collide with it.
func (a *IDAllocator) Observe(clientID, callsign string, id MessageID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	scope := idScope{clientID: clientID, callsign: callsign}
	if id > a.next[scope] {
		a.next[scope] = id
	}
}
