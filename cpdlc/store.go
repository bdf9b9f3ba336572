// cpdlc/store.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	crand "crypto/rand"
	"encoding/hex"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"

	"github.com/brunoga/deep"
)

// DialogueStore owns every Dialogue; nothing outside the store mutates
// one. All methods take snapshots or mutate under the store's lock, and
// return deep copies so that callers can hand dialogues to event
// subscribers without further locking.
type DialogueStore struct {
	mu        util.LoggingMutex
	dialogues map[DialogueID]*Dialogue

	// byAircraft indexes dialogue ids per aircraft callsign in creation
	// order; lookup by (callsign, message id) never scans other aircraft.
	byAircraft map[string][]DialogueID

	lg *log.Logger
}

func NewDialogueStore(lg *log.Logger) *DialogueStore {
	return &DialogueStore{
		dialogues:  make(map[DialogueID]*Dialogue),
		byAircraft: make(map[string][]DialogueID),
		lg:         lg,
	}
}

func makeDialogueID(lg *log.Logger) DialogueID {
	var buf [12]byte
	if _, err := crand.Read(buf[:]); err != nil {
		lg.Errorf("%v", err)
	}
	return DialogueID(hex.EncodeToString(buf[:]))
}

// AddOrAppend records the message: if it replies to a message in one of
// the aircraft's dialogues, it is appended there; otherwise a new
// dialogue is created with the message as its sole member. The closure
// rules run either way. Returns a snapshot of the affected dialogue.
func (s *DialogueStore) AddOrAppend(callsign string, m Message, now time.Time) Dialogue {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	if ref, ok := m.ReplyReference(); ok {
		if d := s.findForMessage(callsign, ref); d != nil {
			d.append(m, now)
			return deep.MustCopy(*d)
		}
	}

	d := &Dialogue{
		ID:               makeDialogueID(s.lg),
		AircraftCallsign: callsign,
		Opened:           m.Time(),
	}
	d.append(m, now)
	s.dialogues[d.ID] = d
	s.byAircraft[callsign] = append(s.byAircraft[callsign], d.ID)

	s.lg.Debug("created dialogue", slog.Any("dialogue", d))
	return deep.MustCopy(*d)
}

// AppendTo appends the message to the given dialogue, running the same
// closure rules as AddOrAppend. Used by the timeout monitor to attach
// synthetic downlinks to already-open dialogues.
func (s *DialogueStore) AppendTo(id DialogueID, m Message, now time.Time) (Dialogue, bool) {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	d, ok := s.dialogues[id]
	if !ok {
		return Dialogue{}, false
	}
	d.append(m, now)
	return deep.MustCopy(*d), true
}

// findForMessage returns the aircraft's open dialogue containing a
// message with the given id. Closed and archived dialogues are skipped:
// a dialogue never reopens, so a late reply into one starts a fresh
// dialogue instead of leaving an open message inside a closed thread.
// Must be called with s.mu held.
func (s *DialogueStore) findForMessage(callsign string, id MessageID) *Dialogue {
	for _, did := range s.byAircraft[callsign] {
		d := s.dialogues[did]
		if d.IsClosed() || d.IsArchived() {
			continue
		}
		if d.Find(id) != nil {
			return d
		}
	}
	return nil
}

// FindDialogueForMessage returns a snapshot of the aircraft's open
// dialogue containing a message with the given id.
func (s *DialogueStore) FindDialogueForMessage(callsign string, id MessageID) (Dialogue, bool) {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	if d := s.findForMessage(callsign, id); d != nil {
		return deep.MustCopy(*d), true
	}
	return Dialogue{}, false
}

// Find returns a snapshot of the dialogue with the given id.
func (s *DialogueStore) Find(id DialogueID) (Dialogue, bool) {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	if d, ok := s.dialogues[id]; ok {
		return deep.MustCopy(*d), true
	}
	return Dialogue{}, false
}

// All returns snapshots of every dialogue, ordered by open time.
func (s *DialogueStore) All() []Dialogue {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	all := make([]Dialogue, 0, len(s.dialogues))
	for _, d := range s.dialogues {
		all = append(all, deep.MustCopy(*d))
	}
	slices.SortFunc(all, func(a, b Dialogue) int {
		if c := a.Opened.Compare(b.Opened); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return all
}

// Archive marks the dialogue archived; idempotent and independent of
// whether the dialogue is closed.
func (s *DialogueStore) Archive(id DialogueID, now time.Time) (Dialogue, bool) {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	d, ok := s.dialogues[id]
	if !ok {
		return Dialogue{}, false
	}
	if !d.IsArchived() {
		d.Archived = now
	}
	return deep.MustCopy(*d), true
}

// Acknowledge sets the message's acknowledged time if not already set.
// Reports false if the dialogue or message doesn't exist.
func (s *DialogueStore) Acknowledge(id DialogueID, mid MessageID, now time.Time) (Dialogue, bool) {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	d, ok := s.dialogues[id]
	if !ok {
		return Dialogue{}, false
	}
	m := d.Find(mid)
	if m == nil {
		return Dialogue{}, false
	}
	m.setAcknowledged(now)
	return deep.MustCopy(*d), true
}

// MarkTransmissionFailed flags an uplink whose network send failed.
func (s *DialogueStore) MarkTransmissionFailed(id DialogueID, mid MessageID) (Dialogue, bool) {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	d, ok := s.dialogues[id]
	if !ok {
		return Dialogue{}, false
	}
	if up, ok := d.Find(mid).(*UplinkMessage); ok {
		up.TransmissionFailed = true
		return deep.MustCopy(*d), true
	}
	return Dialogue{}, false
}

// OpenDialogueIDs returns the ids of the aircraft's dialogues that are
// neither closed nor archived.
func (s *DialogueStore) OpenDialogueIDs(callsign string) []DialogueID {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	var open []DialogueID
	for _, did := range s.byAircraft[callsign] {
		if d := s.dialogues[did]; !d.IsClosed() && !d.IsArchived() {
			open = append(open, did)
		}
	}
	return open
}

// FlagLate marks open messages still awaiting a response as late once
// they have been outstanding longer than the threshold: PilotLate for
// uplinks, ControllerLate for downlinks. Lateness is observability only;
// it never closes anything. Returns snapshots of changed dialogues.
func (s *DialogueStore) FlagLate(now time.Time, threshold time.Duration) []Dialogue {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	var changed []Dialogue
	for _, d := range s.dialogues {
		if d.IsArchived() {
			continue
		}
		dirty := false
		for _, m := range d.Messages {
			if !m.RequiresResponse() || now.Sub(m.Time()) <= threshold {
				continue
			}
			switch m := m.(type) {
			case *UplinkMessage:
				if !m.PilotLate {
					m.PilotLate = true
					dirty = true
				}
			case *DownlinkMessage:
				if !m.ControllerLate {
					m.ControllerLate = true
					dirty = true
				}
			}
		}
		if dirty {
			changed = append(changed, deep.MustCopy(*d))
		}
	}
	return changed
}

// ArchiveResolved archives dialogues that are closed, fully acknowledged,
// and have been closed for at least delay. Returns snapshots of newly
// archived dialogues.
func (s *DialogueStore) ArchiveResolved(now time.Time, delay time.Duration) []Dialogue {
	s.mu.Lock(s.lg)
	defer s.mu.Unlock(s.lg)

	var archived []Dialogue
	for _, d := range s.dialogues {
		if d.IsArchived() || !d.resolved() {
			continue
		}
		if now.Sub(d.Closed) >= delay {
			d.Archived = now
			archived = append(archived, deep.MustCopy(*d))
		}
	}
	return archived
}
