// cpdlc/monitor_test.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"testing"
	"time"

	"github.com/atcflow/datalink/util"
)

func makeTestMonitor(t *testing.T) (*Monitor, *DialogueStore, *AircraftRegistry, *EventsSubscription, *util.SettableClock) {
	t.Helper()

	clock := util.NewSettableClock(testEpoch)
	dialogues := NewDialogueStore(nil)
	aircraft := NewAircraftRegistry(nil)
	events := NewEventStream(nil)
	m := NewMonitor(MonitorConfig{
		MessageLateness:   time.Minute,
		AircraftStaleness: 5 * time.Minute,
		ArchiveDelay:      10 * time.Minute,
		SweepInterval:     5 * time.Second,
	}, clock, dialogues, aircraft, NewIDAllocator(), events, nil)

	return m, dialogues, aircraft, events.Subscribe(), clock
}

func countEvents(events []Event, ty EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == ty {
			n++
		}
	}
	return n
}

func TestMonitorFlagsLateMessages(t *testing.T) {
	m, dialogues, aircraft, sub, clock := makeTestMonitor(t)

	aircraft.RequestLogon("DAL88", "acars-east", clock.Now())
	aircraft.AcceptLogon("DAL88", clock.Now())
	d := dialogues.AddOrAppend("DAL88",
		makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, clock.Now()), clock.Now())
	aircraft.RecordSeen("DAL88", clock.Now())

	clock.Advance(30 * time.Second)
	m.Sweep(clock.Now())
	if n := countEvents(sub.Get(), DialogueChangedEvent); n != 0 {
		t.Errorf("events posted before lateness threshold: %d", n)
	}

	clock.Advance(time.Minute)
	// Keep the aircraft itself alive; only the message is late.
	aircraft.RecordSeen("DAL88", clock.Now())
	m.Sweep(clock.Now())

	events := sub.Get()
	if n := countEvents(events, DialogueChangedEvent); n != 1 {
		t.Fatalf("expected 1 dialogue change, got %d", n)
	}
	flagged, _ := dialogues.Find(d.ID)
	if !flagged.Messages[0].(*DownlinkMessage).ControllerLate {
		t.Errorf("downlink not flagged controller-late")
	}
	if _, ok := aircraft.Find("DAL88"); !ok {
		t.Errorf("aircraft removed by a lateness-only sweep")
	}
}

func TestMonitorRemovesLostAircraft(t *testing.T) {
	m, dialogues, aircraft, sub, clock := makeTestMonitor(t)

	aircraft.RequestLogon("DAL88", "acars-east", clock.Now())
	aircraft.AcceptLogon("DAL88", clock.Now())
	d := dialogues.AddOrAppend("DAL88",
		makeDownlink(1, "DAL88", "REQUEST FL350", DownlinkResponseRequired, clock.Now()), clock.Now())

	clock.Advance(6 * time.Minute)
	m.Sweep(clock.Now())

	if _, ok := aircraft.Find("DAL88"); ok {
		t.Errorf("stale aircraft not removed")
	}

	events := sub.Get()
	if n := countEvents(events, AircraftConnectionRemovedEvent); n != 1 {
		t.Errorf("expected 1 removal event, got %d", n)
	}

	// The open dialogue got the synthetic timeout downlink.
	after, _ := dialogues.Find(d.ID)
	last := after.Messages[len(after.Messages)-1]
	if dl, ok := last.(*DownlinkMessage); !ok || dl.Content != TimeoutMessageContent {
		t.Fatalf("expected synthetic %q downlink, got %v", TimeoutMessageContent, last)
	}
	// The synthetic downlink expects no response, so it closes the dialogue.
	if !after.IsClosed() {
		t.Errorf("dialogue not closed by timeout downlink")
	}
}

func TestMonitorLostAircraftWithoutOpenDialogue(t *testing.T) {
	m, dialogues, aircraft, sub, clock := makeTestMonitor(t)

	aircraft.RequestLogon("DAL88", "acars-east", clock.Now())
	aircraft.AcceptLogon("DAL88", clock.Now())

	clock.Advance(6 * time.Minute)
	m.Sweep(clock.Now())

	// With nothing open, the timeout lands in a fresh dialogue so the
	// disconnect is still visible to controllers.
	all := dialogues.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 dialogue, got %d", len(all))
	}
	if got := all[0].Messages[0].(*DownlinkMessage).Content; got != TimeoutMessageContent {
		t.Errorf("expected %q, got %q", TimeoutMessageContent, got)
	}
	if countEvents(sub.Get(), DialogueChangedEvent) != 1 {
		t.Errorf("no dialogue change event for synthetic downlink")
	}
}

func TestMonitorArchivesResolvedDialogues(t *testing.T) {
	m, dialogues, aircraft, sub, clock := makeTestMonitor(t)

	aircraft.RequestLogon("DAL88", "acars-east", clock.Now())
	aircraft.AcceptLogon("DAL88", clock.Now())

	d := dialogues.AddOrAppend("DAL88",
		makeDownlink(1, "DAL88", "ROGER", DownlinkNoResponse, clock.Now()), clock.Now())
	dialogues.Acknowledge(d.ID, 1, clock.Now())
	sub.Get() // discard

	// Resolved, but the post-closure delay hasn't elapsed.
	clock.Advance(5 * time.Minute)
	aircraft.RecordSeen("DAL88", clock.Now())
	m.Sweep(clock.Now())
	if got, _ := dialogues.Find(d.ID); got.IsArchived() {
		t.Fatalf("archived before the delay elapsed")
	}

	clock.Advance(6 * time.Minute)
	aircraft.RecordSeen("DAL88", clock.Now())
	m.Sweep(clock.Now())

	got, _ := dialogues.Find(d.ID)
	if !got.IsArchived() {
		t.Fatalf("resolved dialogue not archived after delay")
	}
	if countEvents(sub.Get(), DialogueChangedEvent) != 1 {
		t.Errorf("no event for archival")
	}
}
