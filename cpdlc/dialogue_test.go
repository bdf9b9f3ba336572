// cpdlc/dialogue_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func makeDownlink(id MessageID, callsign, content string, rt DownlinkResponseType, t time.Time) *DownlinkMessage {
	return &DownlinkMessage{
		MessageID:    id,
		Sender:       callsign,
		ResponseType: rt,
		Content:      content,
		Received:     t,
	}
}

func makeUplink(id MessageID, callsign, content string, rt UplinkResponseType, t time.Time) *UplinkMessage {
	return &UplinkMessage{
		MessageID:      id,
		Recipient:      callsign,
		SenderCallsign: "BOS_CTR",
		ResponseType:   rt,
		Content:        content,
		Sent:           t,
	}
}

func replyTo(m Message, id MessageID) Message {
	switch m := m.(type) {
	case *UplinkMessage:
		m.ReplyReferenceID = &id
	case *DownlinkMessage:
		m.ReplyReferenceID = &id
	}
	return m
}

func TestDialogueSelfClosingMessage(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "DAL88"}

	// A downlink that expects no response is closed on arrival, and since
	// it isn't special, it closes the dialogue too.
	m := makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, testEpoch)
	d.append(m, testEpoch)

	if !m.IsClosed() {
		t.Errorf("self-closing downlink not closed")
	}
	if !d.IsClosed() {
		t.Errorf("dialogue not closed by self-closing message")
	}
}

func TestDialogueRequestResponse(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "DAL88"}
	now := testEpoch

	req := makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, now)
	d.append(req, now)

	if req.IsClosed() {
		t.Errorf("open request closed prematurely")
	}
	if d.IsClosed() {
		t.Errorf("dialogue closed with open request")
	}

	now = now.Add(30 * time.Second)
	resp := replyTo(makeUplink(2, "DAL88", "CLIMB TO AND MAINTAIN FL350", UplinkWilcoUnable, now), 1)
	d.append(resp, now)

	// The reply closes and acknowledges the request it answers, but the
	// uplink itself still awaits a WILCO so the dialogue stays open.
	if !req.IsClosed() {
		t.Errorf("answered request not closed")
	}
	if !req.IsAcknowledged() {
		t.Errorf("answered request not acknowledged")
	}
	if d.IsClosed() {
		t.Errorf("dialogue closed while uplink awaits response")
	}

	now = now.Add(20 * time.Second)
	wilco := replyTo(makeDownlink(3, "DAL88", "WILCO", DownlinkNoResponse, now), 2)
	d.append(wilco, now)

	if !d.IsClosed() {
		t.Errorf("dialogue not closed after WILCO")
	}
	for _, m := range d.Messages {
		if !m.IsClosed() {
			t.Errorf("message %d open in closed dialogue", m.ID())
		}
	}
}

func TestDialogueStandbyDoesNotClose(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "DAL88"}
	now := testEpoch

	req := makeDownlink(1, "DAL88", "REQUEST DIRECT ALB", DownlinkResponseRequired, now)
	d.append(req, now)

	// STANDBY is a holding response: it neither closes the request it
	// refers to nor the dialogue, even though it expects no response.
	now = now.Add(10 * time.Second)
	standby := replyTo(makeUplink(2, "DAL88", "STANDBY", UplinkNoResponse, now), 1)
	d.append(standby, now)

	if !standby.IsClosed() {
		t.Errorf("STANDBY itself should be closed")
	}
	if req.IsClosed() {
		t.Errorf("STANDBY closed the request it deferred")
	}
	if d.IsClosed() {
		t.Errorf("STANDBY closed the dialogue")
	}

	// The real answer arrives later and closes everything.
	now = now.Add(2 * time.Minute)
	resp := replyTo(makeUplink(3, "DAL88", "UNABLE", UplinkNoResponse, now), 1)
	d.append(resp, now)

	if !req.IsClosed() {
		t.Errorf("answered request not closed")
	}
	if !d.IsClosed() {
		t.Errorf("dialogue not closed by final answer")
	}
}

func TestDialogueRequestDeferred(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "UAL12"}

	req := makeDownlink(1, "UAL12", "REQUEST FL390", DownlinkResponseRequired, testEpoch)
	d.append(req, testEpoch)

	deferred := replyTo(makeUplink(2, "UAL12", "REQUEST DEFERRED", UplinkNoResponse, testEpoch), 1)
	d.append(deferred, testEpoch)

	if req.IsClosed() || d.IsClosed() {
		t.Errorf("REQUEST DEFERRED must not close the request or dialogue")
	}
}

func TestDialogueCloseIsSticky(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "DAL88"}

	m := makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, testEpoch)
	d.append(m, testEpoch)
	closedAt := d.Closed

	// Appending more traffic never reopens or re-times the closure.
	later := testEpoch.Add(time.Hour)
	d.append(makeDownlink(2, "DAL88", "ROGER", DownlinkNoResponse, later), later)

	if !d.Closed.Equal(closedAt) {
		t.Errorf("dialogue close time changed: %v != %v", d.Closed, closedAt)
	}
}

func TestDialogueResolved(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "DAL88"}
	now := testEpoch

	dl := makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, now)
	d.append(dl, now)

	if d.resolved() {
		t.Errorf("dialogue resolved with unacknowledged downlink")
	}

	dl.setAcknowledged(now.Add(time.Minute))
	if !d.resolved() {
		t.Errorf("closed, fully acknowledged dialogue not resolved")
	}
}

func TestDialogueFind(t *testing.T) {
	d := &Dialogue{ID: "d1", AircraftCallsign: "DAL88"}
	d.append(makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, testEpoch), testEpoch)
	d.append(replyTo(makeUplink(2, "DAL88", "STANDBY", UplinkNoResponse, testEpoch), 1), testEpoch)

	if m := d.Find(1); m == nil {
		t.Fatalf("Find(1) returned nil")
	} else if _, ok := m.(*DownlinkMessage); !ok {
		t.Errorf("Find(1) returned %T, expected downlink", m)
	}
	if d.Find(99) != nil {
		t.Errorf("Find(99) found a message that doesn't exist")
	}
}
