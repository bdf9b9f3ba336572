// server/dispatcher.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	"time"

	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/util"
)

// dispatcher is the net/rpc receiver; it unwraps Args structs, calls into
// the Relay, and maps domain results to DTOs.
type dispatcher struct {
	relay *Relay
}

// Budget for the ACARS transmission triggered by a SendUplink call.
const uplinkSendTimeout = 15 * time.Second

type SignOnArgs struct {
	Version    int
	UserID     string
	Callsign   string
	ExternalID string
}

type SignOnResult struct {
	ControllerToken string
}

const SignOnRPC = "Relay.SignOn"

func (rd *dispatcher) SignOn(args *SignOnArgs, result *SignOnResult) error {
	// The RPC library spawns a goroutine per request, so each method
	// needs its own crash handler.
	defer rd.relay.lg.CatchAndReportCrash()

	if args.Version != RelayRPCVersion {
		return ErrRPCVersionMismatch
	}

	token, err := rd.relay.SignOn(args.UserID, args.Callsign, args.ExternalID)
	if err != nil {
		return err
	}
	result.ControllerToken = token
	return nil
}

const SignOffRPC = "Relay.SignOff"

func (rd *dispatcher) SignOff(token string, _ *struct{}) error {
	defer rd.relay.lg.CatchAndReportCrash()

	return rd.relay.SignOff(token)
}

const GetUpdatesRPC = "Relay.GetUpdates"

func (rd *dispatcher) GetUpdates(token string, events *[]EventDto) error {
	defer rd.relay.lg.CatchAndReportCrash()

	evs, err := rd.relay.GetUpdates(token)
	if err != nil {
		return err
	}
	*events = util.MapSlice(evs, makeEventDto)
	return nil
}

type SendUplinkArgs struct {
	ControllerToken  string
	Recipient        string
	ReplyReferenceID *int
	ResponseType     string
	Content          string
}

const SendUplinkRPC = "Relay.SendUplink"

func (rd *dispatcher) SendUplink(args *SendUplinkArgs, result *MessageDto) error {
	defer rd.relay.lg.CatchAndReportCrash()

	responseType, err := cpdlc.ParseUplinkResponseType(args.ResponseType)
	if err != nil {
		return err
	}

	var replyTo *cpdlc.MessageID
	if args.ReplyReferenceID != nil {
		id := cpdlc.MessageID(*args.ReplyReferenceID)
		replyTo = &id
	}

	ctx, cancel := context.WithTimeout(context.Background(), uplinkSendTimeout)
	defer cancel()

	msg, err := rd.relay.SendUplink(ctx, args.ControllerToken, args.Recipient,
		replyTo, responseType, args.Content)
	if err != nil {
		return err
	}
	*result = makeMessageDto(msg)
	return nil
}

type AcknowledgeMessageArgs struct {
	ControllerToken string
	DialogueID      string
	MessageID       int
}

const AcknowledgeDownlinkRPC = "Relay.AcknowledgeDownlink"

func (rd *dispatcher) AcknowledgeDownlink(args *AcknowledgeMessageArgs, _ *struct{}) error {
	defer rd.relay.lg.CatchAndReportCrash()

	if _, ok := rd.relay.lookupSession(args.ControllerToken); !ok {
		return ErrInvalidControllerToken
	}
	rd.relay.AcknowledgeDownlink(cpdlc.DialogueID(args.DialogueID), cpdlc.MessageID(args.MessageID))
	return nil
}

const AcknowledgeUplinkRPC = "Relay.AcknowledgeUplink"

func (rd *dispatcher) AcknowledgeUplink(args *AcknowledgeMessageArgs, _ *struct{}) error {
	defer rd.relay.lg.CatchAndReportCrash()

	if _, ok := rd.relay.lookupSession(args.ControllerToken); !ok {
		return ErrInvalidControllerToken
	}
	rd.relay.AcknowledgeUplink(cpdlc.DialogueID(args.DialogueID), cpdlc.MessageID(args.MessageID))
	return nil
}

type ArchiveDialogueArgs struct {
	ControllerToken string
	DialogueID      string
}

const ArchiveDialogueRPC = "Relay.ArchiveDialogue"

func (rd *dispatcher) ArchiveDialogue(args *ArchiveDialogueArgs, _ *struct{}) error {
	defer rd.relay.lg.CatchAndReportCrash()

	if _, ok := rd.relay.lookupSession(args.ControllerToken); !ok {
		return ErrInvalidControllerToken
	}
	rd.relay.ArchiveDialogue(cpdlc.DialogueID(args.DialogueID))
	return nil
}

const GetAllDialoguesRPC = "Relay.GetAllDialogues"

func (rd *dispatcher) GetAllDialogues(token string, result *[]DialogueDto) error {
	defer rd.relay.lg.CatchAndReportCrash()

	if _, ok := rd.relay.lookupSession(token); !ok {
		return ErrInvalidControllerToken
	}
	*result = util.MapSlice(rd.relay.GetAllDialogues(), makeDialogueDto)
	return nil
}

const GetConnectedAircraftRPC = "Relay.GetConnectedAircraft"

func (rd *dispatcher) GetConnectedAircraft(token string, result *[]AircraftConnectionDto) error {
	defer rd.relay.lg.CatchAndReportCrash()

	if _, ok := rd.relay.lookupSession(token); !ok {
		return ErrInvalidControllerToken
	}
	*result = util.MapSlice(rd.relay.GetConnectedAircraft(), makeAircraftConnectionDto)
	return nil
}

const GetConnectedControllersRPC = "Relay.GetConnectedControllers"

func (rd *dispatcher) GetConnectedControllers(token string, result *[]ControllerConnectionDto) error {
	defer rd.relay.lg.CatchAndReportCrash()

	if _, ok := rd.relay.lookupSession(token); !ok {
		return ErrInvalidControllerToken
	}
	*result = util.MapSlice(rd.relay.GetConnectedControllers(), makeControllerConnectionDto)
	return nil
}
