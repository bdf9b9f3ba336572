// cpdlc/monitor.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"context"
	"log/slog"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"
)

// TimeoutMessageContent is the synthetic downlink appended to an
// aircraft's open dialogues when its connection is declared lost.
const TimeoutMessageContent = "ERROR CONNECTION TIMED OUT"

// MonitorConfig holds the timeout sweep thresholds. Message lateness and
// aircraft staleness are deliberately independent knobs.
type MonitorConfig struct {
	MessageLateness   time.Duration
	AircraftStaleness time.Duration
	ArchiveDelay      time.Duration
	SweepInterval     time.Duration
}

// Monitor runs the periodic timeout sweep: it flags late messages,
// removes aircraft that have gone quiet, and archives resolved
// dialogues. It reads and mutates the dialogue store and aircraft
// registry through their own operations, never holding a lock of its
// own.
type Monitor struct {
	config    MonitorConfig
	clock     util.Clock
	dialogues *DialogueStore
	aircraft  *AircraftRegistry
	ids       *IDAllocator
	events    *EventStream
	lg        *log.Logger
}

func NewMonitor(config MonitorConfig, clock util.Clock, dialogues *DialogueStore,
	aircraft *AircraftRegistry, ids *IDAllocator, events *EventStream, lg *log.Logger) *Monitor {
	return &Monitor{
		config:    config,
		clock:     clock,
		dialogues: dialogues,
		aircraft:  aircraft,
		ids:       ids,
		events:    events,
		lg:        lg,
	}
}

// Run sweeps at the configured interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	defer m.lg.CatchAndReportCrash()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.clock.Now())
		}
	}
}

// Sweep runs one pass of the three timeout checks.
func (m *Monitor) Sweep(now time.Time) {
	m.flagLateMessages(now)
	m.removeLostAircraft(now)
	m.archiveResolved(now)
}

func (m *Monitor) flagLateMessages(now time.Time) {
	for _, d := range m.dialogues.FlagLate(now, m.config.MessageLateness) {
		m.lg.Debug("flagged late messages", slog.Any("dialogue", &d))
		m.events.Post(Event{Type: DialogueChangedEvent, Dialogue: &d})
	}
}

// removeLostAircraft drops aircraft whose LastSeen has gone stale and
// appends a synthetic timeout downlink to each of their open dialogues
// (or a fresh dialogue if none are open) so that controllers see why the
// conversation ended.
func (m *Monitor) removeLostAircraft(now time.Time) {
	for _, conn := range m.aircraft.RemoveStale(now, m.config.AircraftStaleness) {
		open := m.dialogues.OpenDialogueIDs(conn.Callsign)

		if len(open) == 0 {
			d := m.dialogues.AddOrAppend(conn.Callsign, m.makeTimeoutDownlink(conn, now), now)
			m.events.Post(Event{Type: DialogueChangedEvent, Dialogue: &d})
		} else {
			for _, did := range open {
				if d, ok := m.dialogues.AppendTo(did, m.makeTimeoutDownlink(conn, now), now); ok {
					m.events.Post(Event{Type: DialogueChangedEvent, Dialogue: &d})
				}
			}
		}

		m.events.Post(Event{
			Type:             AircraftConnectionRemovedEvent,
			AircraftCallsign: conn.Callsign,
		})
	}
}

func (m *Monitor) makeTimeoutDownlink(conn AircraftConnection, now time.Time) *DownlinkMessage {
	return &DownlinkMessage{
		MessageID:    m.ids.Next(conn.ClientID, conn.Callsign),
		Sender:       conn.Callsign,
		ResponseType: DownlinkNoResponse,
		Content:      TimeoutMessageContent,
		Alert:        AlertMedium,
		Received:     now,
	}
}

func (m *Monitor) archiveResolved(now time.Time) {
	for _, d := range m.dialogues.ArchiveResolved(now, m.config.ArchiveDelay) {
		m.lg.Info("archived dialogue", slog.Any("dialogue", &d))
		m.events.Post(Event{Type: DialogueChangedEvent, Dialogue: &d})
	}
}
