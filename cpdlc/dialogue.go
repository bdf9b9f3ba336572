// cpdlc/dialogue.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"log/slog"
	"time"
)

// DialogueID uniquely identifies a dialogue for its whole lifetime.
type DialogueID string

// Dialogue is a conversation thread of linked uplink/downlink messages
// concerning one aircraft. Messages are kept in insertion order and are
// never reordered. Once Closed is set it is never cleared; Archived is
// independent of Closed.
type Dialogue struct {
	ID               DialogueID
	AircraftCallsign string
	Messages         []Message
	Opened           time.Time
	Closed           time.Time
	Archived         time.Time
}

func (d *Dialogue) IsClosed() bool   { return !d.Closed.IsZero() }
func (d *Dialogue) IsArchived() bool { return !d.Archived.IsZero() }

// Find returns the message with the given id, or nil.
func (d *Dialogue) Find(id MessageID) Message {
	for _, m := range d.Messages {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// append adds the message and applies the closure rules:
//
//  1. A message that expects no response is closed immediately.
//  2. A non-special reply closes and acknowledges the message it answers.
//  3. A non-special message that expects no response closes the whole
//     dialogue.
//
// Special messages (STANDBY, REQUEST DEFERRED) are holding responses and
// skip rules 2 and 3 so that they don't terminate the request/response
// pair they defer.
func (d *Dialogue) append(m Message, now time.Time) {
	d.Messages = append(d.Messages, m)

	if m.SelfClosing() {
		m.setClosed(m.Time())
	}

	if ref, ok := m.ReplyReference(); ok && !m.Special() {
		if partner := d.Find(ref); partner != nil && partner != m {
			partner.setClosed(now)
			partner.setAcknowledged(now)
		}
	}

	if !m.Special() && m.SelfClosing() {
		d.close(m.Time())
	}
}

// close sets the dialogue closed and forces every message closed,
// maintaining the invariant that a closed dialogue contains no open
// messages. Closed is set once and never cleared.
func (d *Dialogue) close(t time.Time) {
	if d.Closed.IsZero() {
		d.Closed = t
	}
	for _, m := range d.Messages {
		m.setClosed(t)
	}
}

// resolved reports whether the dialogue is closed and every downlink in
// it has been acknowledged by a controller, i.e. nothing remains for a
// human to act on.
func (d *Dialogue) resolved() bool {
	if !d.IsClosed() {
		return false
	}
	for _, m := range d.Messages {
		if dl, ok := m.(*DownlinkMessage); ok && !dl.IsAcknowledged() {
			return false
		}
	}
	return true
}

func (d *Dialogue) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", string(d.ID)),
		slog.String("aircraft", d.AircraftCallsign),
		slog.Int("messages", len(d.Messages)),
		slog.Bool("closed", d.IsClosed()),
		slog.Bool("archived", d.IsArchived()))
}
