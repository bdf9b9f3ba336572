// cpdlc/store_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"testing"
	"time"
)

func TestStoreAddOrAppend(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d1 := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)
	if len(d1.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(d1.Messages))
	}

	// A reply referencing message 1 lands in the same dialogue.
	d2 := s.AddOrAppend("DAL88", replyTo(makeUplink(2, "DAL88", "STANDBY", UplinkNoResponse, now), 1), now)
	if d2.ID != d1.ID {
		t.Errorf("reply opened a new dialogue")
	}
	if len(d2.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(d2.Messages))
	}

	// An unlinked message opens a fresh dialogue.
	d3 := s.AddOrAppend("DAL88", makeDownlink(3, "DAL88", "REQUEST DIRECT ALB", DownlinkResponseRequired, now), now)
	if d3.ID == d1.ID {
		t.Errorf("unlinked message joined an existing dialogue")
	}

	// A reply for another aircraft never lands in DAL88's dialogue, even
	// with a matching message id.
	d4 := s.AddOrAppend("UAL12", replyTo(makeUplink(2, "UAL12", "ROGER", UplinkNoResponse, now), 1), now)
	if d4.ID == d1.ID {
		t.Errorf("dialogue lookup crossed aircraft")
	}

	if all := s.All(); len(all) != 3 {
		t.Errorf("expected 3 dialogues, got %d", len(all))
	}
}

func TestStoreRepeatedRepliesShareDialogue(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d1 := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)

	// Both the STANDBY and the eventual answer reference the request;
	// both resolve into the same dialogue.
	d2 := s.AddOrAppend("DAL88", replyTo(makeUplink(2, "DAL88", "STANDBY", UplinkNoResponse, now), 1), now)
	d3 := s.AddOrAppend("DAL88", replyTo(makeUplink(3, "DAL88", "UNABLE", UplinkNoResponse, now), 1), now)
	if d2.ID != d1.ID || d3.ID != d1.ID {
		t.Errorf("replies to the same message landed in different dialogues")
	}
	if len(d3.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(d3.Messages))
	}
}

func TestStoreReplyToArchivedDialogueOpensNew(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d1 := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)
	if _, ok := s.Archive(d1.ID, now); !ok {
		t.Fatalf("Archive failed")
	}

	// Linkage only considers non-archived dialogues.
	d2 := s.AddOrAppend("DAL88", replyTo(makeUplink(2, "DAL88", "UNABLE", UplinkNoResponse, now), 1), now)
	if d2.ID == d1.ID {
		t.Errorf("reply appended to archived dialogue")
	}
}

func TestStoreReplyToClosedDialogueOpensNew(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d1 := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)
	d2 := s.AddOrAppend("DAL88", replyTo(makeUplink(2, "DAL88", "UNABLE", UplinkNoResponse, now), 1), now)
	if d2.ID != d1.ID || !d2.IsClosed() {
		t.Fatalf("UNABLE should close the dialogue it answers")
	}

	// A late reply referencing the closed exchange starts over; dialogues
	// never reopen, and a closed dialogue never gains an open message.
	late := now.Add(time.Minute)
	d3 := s.AddOrAppend("DAL88", replyTo(makeDownlink(3, "DAL88", "REQUEST FL350", DownlinkResponseRequired, late), 2), late)
	if d3.ID == d1.ID {
		t.Errorf("late reply appended to closed dialogue")
	}
	if d3.IsClosed() {
		t.Errorf("new dialogue for the late reply should be open")
	}

	closed, _ := s.Find(d1.ID)
	if len(closed.Messages) != 2 {
		t.Errorf("closed dialogue gained a message: %d", len(closed.Messages))
	}
	for _, m := range closed.Messages {
		if !m.IsClosed() {
			t.Errorf("message %d open inside closed dialogue", m.ID())
		}
	}
}

func TestStoreSnapshotsAreIndependent(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)

	// Mutating a returned snapshot must not leak into the store.
	d.Messages[0].(*DownlinkMessage).Content = "SCRIBBLED"
	d.AircraftCallsign = "NOPE"

	fresh, ok := s.Find(d.ID)
	if !ok {
		t.Fatalf("dialogue vanished")
	}
	if fresh.AircraftCallsign != "DAL88" {
		t.Errorf("callsign mutated through snapshot")
	}
	if fresh.Messages[0].(*DownlinkMessage).Content != "REQUEST FL350" {
		t.Errorf("message mutated through snapshot")
	}
}

func TestStoreArchiveIdempotent(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, now), now)

	first, ok := s.Archive(d.ID, now)
	if !ok || first.Archived.IsZero() {
		t.Fatalf("Archive failed")
	}

	// Archiving again leaves the original archive time in place.
	second, ok := s.Archive(d.ID, now.Add(time.Hour))
	if !ok {
		t.Fatalf("second Archive failed")
	}
	if !second.Archived.Equal(first.Archived) {
		t.Errorf("archive time changed on second archive: %v != %v", second.Archived, first.Archived)
	}

	if _, ok := s.Archive("nonexistent", now); ok {
		t.Errorf("archived a dialogue that doesn't exist")
	}
}

func TestStoreAcknowledge(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	d := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, now), now)

	ack, ok := s.Acknowledge(d.ID, 1, now.Add(time.Second))
	if !ok {
		t.Fatalf("Acknowledge failed")
	}
	if !ack.Messages[0].IsAcknowledged() {
		t.Errorf("message not acknowledged")
	}

	if _, ok := s.Acknowledge(d.ID, 99, now); ok {
		t.Errorf("acknowledged a message that doesn't exist")
	}
	if _, ok := s.Acknowledge("nonexistent", 1, now); ok {
		t.Errorf("acknowledged in a dialogue that doesn't exist")
	}
}

func TestStoreFlagLate(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	// Downlink awaiting a controller response and an uplink awaiting a
	// pilot response, both outstanding.
	s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)
	s.AddOrAppend("UAL12", makeUplink(1, "UAL12", "CONFIRM ASSIGNED ALTITUDE", UplinkAffirmativeNegative, now), now)
	// Already closed; must never be flagged.
	s.AddOrAppend("AAL4", makeDownlink(1, "AAL4", "ROGER", DownlinkNoResponse, now), now)

	if changed := s.FlagLate(now.Add(30*time.Second), time.Minute); len(changed) != 0 {
		t.Errorf("flagged messages before the threshold: %d dialogues", len(changed))
	}

	changed := s.FlagLate(now.Add(2*time.Minute), time.Minute)
	if len(changed) != 2 {
		t.Fatalf("expected 2 flagged dialogues, got %d", len(changed))
	}
	for _, d := range changed {
		switch m := d.Messages[0].(type) {
		case *UplinkMessage:
			if !m.PilotLate {
				t.Errorf("uplink not flagged pilot-late")
			}
		case *DownlinkMessage:
			if !m.ControllerLate {
				t.Errorf("downlink not flagged controller-late")
			}
		}
	}

	// Flagging is once-only; a second sweep reports nothing new.
	if changed := s.FlagLate(now.Add(3*time.Minute), time.Minute); len(changed) != 0 {
		t.Errorf("re-flagged already late messages")
	}
}

func TestStoreArchiveResolved(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	// Closed with an unacknowledged downlink: not resolved, stays put.
	d1 := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, now), now)

	if archived := s.ArchiveResolved(now.Add(time.Hour), time.Minute); len(archived) != 0 {
		t.Errorf("archived an unresolved dialogue")
	}

	s.Acknowledge(d1.ID, 1, now.Add(time.Second))

	// Resolved but not yet past the delay.
	if archived := s.ArchiveResolved(now.Add(30*time.Second), time.Minute); len(archived) != 0 {
		t.Errorf("archived before the delay elapsed")
	}

	archived := s.ArchiveResolved(now.Add(2*time.Minute), time.Minute)
	if len(archived) != 1 || archived[0].ID != d1.ID {
		t.Fatalf("expected dialogue %s archived, got %v", d1.ID, archived)
	}

	// Second sweep is a no-op.
	if archived := s.ArchiveResolved(now.Add(time.Hour), time.Minute); len(archived) != 0 {
		t.Errorf("re-archived an archived dialogue")
	}
}

func TestStoreOpenDialogueIDs(t *testing.T) {
	s := NewDialogueStore(nil)
	now := testEpoch

	open := s.AddOrAppend("DAL88", makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now), now)
	closed := s.AddOrAppend("DAL88", makeDownlink(2, "DAL88", "ROGER", DownlinkNoResponse, now), now)
	archivedD := s.AddOrAppend("DAL88", makeDownlink(3, "DAL88", "REQUEST FL310", DownlinkResponseRequired, now), now)
	s.Archive(archivedD.ID, now)

	ids := s.OpenDialogueIDs("DAL88")
	if len(ids) != 1 || ids[0] != open.ID {
		t.Errorf("expected only %s open, got %v (closed dialogue %s, archived %s)",
			open.ID, ids, closed.ID, archivedD.ID)
	}
}
