// server/dto.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"fmt"
	"time"

	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/util"
)

// The DTOs below are the wire representation of the relay's state,
// decoupled from the domain types so the RPC surface can stay stable as
// internals change.

const (
	MessageKindUplink   = "uplink"
	MessageKindDownlink = "downlink"
)

// MessageDto is the wire form of the uplink/downlink union; Kind
// discriminates which of the direction-specific fields are meaningful.
type MessageDto struct {
	Kind             string
	ID               int
	ReplyReferenceID *int
	AlertType        string
	ResponseType     string
	Content          string
	Time             time.Time

	IsClosed       bool
	IsAcknowledged bool

	// Uplink fields
	Recipient            string
	SenderCallsign       string
	IsPilotLate          bool
	IsTransmissionFailed bool
	IsClosedManually     bool

	// Downlink fields
	Sender           string
	IsControllerLate bool
}

type DialogueDto struct {
	ID               string
	AircraftCallsign string
	Messages         []MessageDto
	Opened           time.Time
	Closed           *time.Time
	Archived         *time.Time
}

type AircraftConnectionDto struct {
	Callsign           string
	ClientID           string
	DataAuthorityState string
}

type ControllerConnectionDto struct {
	Callsign   string
	ExternalID string
}

// EventDto mirrors cpdlc.Event for transport to controller clients.
type EventDto struct {
	Type       string
	Callsign   string
	Aircraft   *AircraftConnectionDto
	Controller *ControllerConnectionDto
	Dialogue   *DialogueDto
	Text       string
}

func makeMessageDto(m cpdlc.Message) MessageDto {
	// The Message union is closed; a third variant must be handled here.
	switch m := m.(type) {
	case *cpdlc.UplinkMessage:
		return MessageDto{
			Kind:                 MessageKindUplink,
			ID:                   int(m.MessageID),
			ReplyReferenceID:     makeReplyRef(m.ReplyReferenceID),
			AlertType:            m.Alert.String(),
			ResponseType:         m.ResponseType.String(),
			Content:              m.Content,
			Time:                 m.Sent,
			IsClosed:             m.IsClosed(),
			IsAcknowledged:       m.IsAcknowledged(),
			Recipient:            m.Recipient,
			SenderCallsign:       m.SenderCallsign,
			IsPilotLate:          m.PilotLate,
			IsTransmissionFailed: m.TransmissionFailed,
			IsClosedManually:     m.ClosedManually,
		}

	case *cpdlc.DownlinkMessage:
		return MessageDto{
			Kind:             MessageKindDownlink,
			ID:               int(m.MessageID),
			ReplyReferenceID: makeReplyRef(m.ReplyReferenceID),
			AlertType:        m.Alert.String(),
			ResponseType:     m.ResponseType.String(),
			Content:          m.Content,
			Time:             m.Received,
			IsClosed:         m.IsClosed(),
			IsAcknowledged:   m.IsAcknowledged(),
			Sender:           m.Sender,
			IsControllerLate: m.ControllerLate,
		}

	default:
		panic(fmt.Sprintf("unhandled message type %T", m))
	}
}

func makeReplyRef(id *cpdlc.MessageID) *int {
	if id == nil {
		return nil
	}
	r := int(*id)
	return &r
}

func makeDialogueDto(d cpdlc.Dialogue) DialogueDto {
	return DialogueDto{
		ID:               string(d.ID),
		AircraftCallsign: d.AircraftCallsign,
		Messages:         util.MapSlice(d.Messages, makeMessageDto),
		Opened:           d.Opened,
		Closed:           makeOptionalTime(d.Closed),
		Archived:         makeOptionalTime(d.Archived),
	}
}

func makeOptionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func makeAircraftConnectionDto(c cpdlc.AircraftConnection) AircraftConnectionDto {
	return AircraftConnectionDto{
		Callsign:           c.Callsign,
		ClientID:           c.ClientID,
		DataAuthorityState: c.DataAuthority.String(),
	}
}

func makeControllerConnectionDto(s cpdlc.ControllerSession) ControllerConnectionDto {
	return ControllerConnectionDto{
		Callsign:   s.Callsign,
		ExternalID: s.ExternalID,
	}
}

func makeEventDto(e cpdlc.Event) EventDto {
	dto := EventDto{Type: e.Type.String(), Text: e.WrittenText}

	switch e.Type {
	case cpdlc.AircraftConnectionUpdatedEvent:
		dto.Callsign = e.AircraftCallsign
		if e.Aircraft != nil {
			ac := makeAircraftConnectionDto(*e.Aircraft)
			dto.Aircraft = &ac
		}
	case cpdlc.AircraftConnectionRemovedEvent:
		dto.Callsign = e.AircraftCallsign
	case cpdlc.ControllerConnectionUpdatedEvent:
		dto.Callsign = e.ControllerCallsign
		if e.Controller != nil {
			cs := makeControllerConnectionDto(*e.Controller)
			dto.Controller = &cs
		}
	case cpdlc.ControllerConnectionRemovedEvent:
		dto.Callsign = e.ControllerCallsign
	case cpdlc.DialogueChangedEvent:
		if e.Dialogue != nil {
			d := makeDialogueDto(*e.Dialogue)
			dto.Dialogue = &d
		}
	}

	return dto
}
