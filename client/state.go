// client/state.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"slices"
	"strings"

	"github.com/atcflow/datalink/server"
	"github.com/atcflow/datalink/util"
)

// State is the client-side mirror of the relay: dialogues, aircraft
// connections, and signed-on controllers, updated by applying events.
type State struct {
	Dialogues   map[string]server.DialogueDto
	Aircraft    map[string]server.AircraftConnectionDto
	Controllers map[string]server.ControllerConnectionDto

	// StatusMessages accumulates server status text for display; the UI
	// drains it.
	StatusMessages []string
}

func MakeState() State {
	return State{
		Dialogues:   make(map[string]server.DialogueDto),
		Aircraft:    make(map[string]server.AircraftConnectionDto),
		Controllers: make(map[string]server.ControllerConnectionDto),
	}
}

func (s *State) SeedDialogues(dialogues []server.DialogueDto) {
	for _, d := range dialogues {
		s.Dialogues[d.ID] = d
	}
}

func (s *State) SeedAircraft(aircraft []server.AircraftConnectionDto) {
	for _, a := range aircraft {
		s.Aircraft[a.Callsign] = a
	}
}

func (s *State) SeedControllers(controllers []server.ControllerConnectionDto) {
	for _, c := range controllers {
		s.Controllers[c.Callsign] = c
	}
}

func (s *State) Apply(ev server.EventDto) {
	switch ev.Type {
	case "AircraftConnectionUpdated":
		if ev.Aircraft != nil {
			s.Aircraft[ev.Callsign] = *ev.Aircraft
		}
	case "AircraftConnectionRemoved":
		delete(s.Aircraft, ev.Callsign)
	case "ControllerConnectionUpdated":
		if ev.Controller != nil {
			s.Controllers[ev.Callsign] = *ev.Controller
		}
	case "ControllerConnectionRemoved":
		delete(s.Controllers, ev.Callsign)
	case "DialogueChanged":
		if ev.Dialogue != nil {
			s.Dialogues[ev.Dialogue.ID] = *ev.Dialogue
		}
	case "StatusMessage":
		s.StatusMessages = append(s.StatusMessages, ev.Text)
	}
}

// OpenDialogues returns unarchived dialogues ordered by open time, the
// order a controller's message board displays them.
func (s *State) OpenDialogues() []server.DialogueDto {
	var open []server.DialogueDto
	for _, d := range s.Dialogues {
		if d.Archived == nil {
			open = append(open, d)
		}
	}
	slices.SortFunc(open, func(a, b server.DialogueDto) int {
		if !a.Opened.Equal(b.Opened) {
			if a.Opened.Before(b.Opened) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return open
}

// UnacknowledgedDownlinks returns downlinks awaiting controller
// acknowledgement across all unarchived dialogues.
func (s *State) UnacknowledgedDownlinks() []server.MessageDto {
	var msgs []server.MessageDto
	for _, d := range s.OpenDialogues() {
		msgs = append(msgs, util.FilterSlice(d.Messages,
			func(m server.MessageDto) bool {
				return m.Kind == server.MessageKindDownlink && !m.IsAcknowledged
			})...)
	}
	return msgs
}
