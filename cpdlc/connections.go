// cpdlc/connections.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package cpdlc

import (
	"log/slog"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/util"
)

// DataAuthorityState tracks which ground station is authorized to
// exchange CPDLC with the aircraft; the transition from next to current
// authority is one way and happens on the aircraft's first downlink
// after connecting.
type DataAuthorityState int

const (
	NextDataAuthority DataAuthorityState = iota
	CurrentDataAuthority
)

func (s DataAuthorityState) String() string {
	return []string{"NextDataAuthority", "CurrentDataAuthority"}[s]
}

type ConnectionState int

const (
	ConnectionPending ConnectionState = iota
	ConnectionConnected
)

func (s ConnectionState) String() string {
	return []string{"Pending", "Connected"}[s]
}

// AircraftConnection is a logged-on (or logging-on) aircraft.
type AircraftConnection struct {
	Callsign       string
	ClientID       string // which ACARS client owns this aircraft
	DataAuthority  DataAuthorityState
	State          ConnectionState
	LogonRequested time.Time
	LogonAccepted  time.Time
	LastSeen       time.Time
}

func (c AircraftConnection) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("callsign", c.Callsign),
		slog.String("client_id", c.ClientID),
		slog.String("data_authority", c.DataAuthority.String()),
		slog.String("state", c.State.String()),
		slog.Time("last_seen", c.LastSeen))
}

// AircraftRegistry owns all AircraftConnections, keyed by callsign.
type AircraftRegistry struct {
	mu       util.LoggingMutex
	aircraft map[string]*AircraftConnection
	lg       *log.Logger
}

func NewAircraftRegistry(lg *log.Logger) *AircraftRegistry {
	return &AircraftRegistry{
		aircraft: make(map[string]*AircraftConnection),
		lg:       lg,
	}
}

// RequestLogon creates (or replaces) the aircraft's connection in the
// Pending state.
func (r *AircraftRegistry) RequestLogon(callsign, clientID string, now time.Time) AircraftConnection {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	conn := &AircraftConnection{
		Callsign:       callsign,
		ClientID:       clientID,
		DataAuthority:  NextDataAuthority,
		State:          ConnectionPending,
		LogonRequested: now,
		LastSeen:       now,
	}
	r.aircraft[callsign] = conn
	r.lg.Info("logon requested", slog.Any("aircraft", *conn))
	return *conn
}

// AcceptLogon transitions the aircraft from Pending to Connected.
func (r *AircraftRegistry) AcceptLogon(callsign string, now time.Time) (AircraftConnection, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	conn, ok := r.aircraft[callsign]
	if !ok {
		return AircraftConnection{}, false
	}
	if conn.State == ConnectionPending {
		conn.State = ConnectionConnected
		conn.LogonAccepted = now
		r.lg.Info("logon accepted", slog.Any("aircraft", *conn))
	}
	return *conn, true
}

// RecordSeen refreshes the aircraft's LastSeen time; called for every
// inbound message.
func (r *AircraftRegistry) RecordSeen(callsign string, now time.Time) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	if conn, ok := r.aircraft[callsign]; ok {
		conn.LastSeen = now
	}
}

// PromoteToCurrentDataAuthority makes the one-way transition from next
// to current data authority. Reports true only when the transition
// actually happened, so that the caller can broadcast the change exactly
// once.
func (r *AircraftRegistry) PromoteToCurrentDataAuthority(callsign string) (AircraftConnection, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	conn, ok := r.aircraft[callsign]
	if !ok || conn.DataAuthority == CurrentDataAuthority {
		return AircraftConnection{}, false
	}
	conn.DataAuthority = CurrentDataAuthority
	r.lg.Info("promoted to current data authority", slog.Any("aircraft", *conn))
	return *conn, true
}

func (r *AircraftRegistry) Find(callsign string) (AircraftConnection, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	if conn, ok := r.aircraft[callsign]; ok {
		return *conn, true
	}
	return AircraftConnection{}, false
}

func (r *AircraftRegistry) All() []AircraftConnection {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	var all []AircraftConnection
	for _, callsign := range util.SortedMapKeys(r.aircraft) {
		all = append(all, *r.aircraft[callsign])
	}
	return all
}

func (r *AircraftRegistry) Remove(callsign string) (AircraftConnection, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	conn, ok := r.aircraft[callsign]
	if !ok {
		return AircraftConnection{}, false
	}
	delete(r.aircraft, callsign)
	return *conn, true
}

// RemoveStale removes aircraft whose LastSeen is older than the
// threshold and returns them; the caller appends the synthetic timeout
// downlinks and broadcasts the removals.
func (r *AircraftRegistry) RemoveStale(now time.Time, threshold time.Duration) []AircraftConnection {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	var stale []AircraftConnection
	for callsign, conn := range r.aircraft {
		if now.Sub(conn.LastSeen) > threshold {
			stale = append(stale, *conn)
			delete(r.aircraft, callsign)
			r.lg.Warn("aircraft connection timed out", slog.Any("aircraft", *conn))
		}
	}
	return stale
}

///////////////////////////////////////////////////////////////////////////
// ControllerRegistry

// ControllerSession is one controller's transport-level connection.
type ControllerSession struct {
	UserID     string
	SessionID  string // transport connection token
	Callsign   string
	ExternalID string
}

func (s ControllerSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", s.UserID),
		slog.String("session_id", s.SessionID),
		slog.String("callsign", s.Callsign),
		slog.String("external_id", s.ExternalID))
}

// ControllerRegistry owns all ControllerSessions, keyed by session id; at
// most one session per id.
type ControllerRegistry struct {
	mu       util.LoggingMutex
	sessions map[string]*ControllerSession
	lg       *log.Logger
}

func NewControllerRegistry(lg *log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		sessions: make(map[string]*ControllerSession),
		lg:       lg,
	}
}

func (r *ControllerRegistry) Add(s ControllerSession) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	r.sessions[s.SessionID] = &s
	r.lg.Info("controller connected", slog.Any("session", s))
}

func (r *ControllerRegistry) Find(sessionID string) (ControllerSession, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	if s, ok := r.sessions[sessionID]; ok {
		return *s, true
	}
	return ControllerSession{}, false
}

func (r *ControllerRegistry) All() []ControllerSession {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	var all []ControllerSession
	for _, id := range util.SortedMapKeys(r.sessions) {
		all = append(all, *r.sessions[id])
	}
	return all
}

func (r *ControllerRegistry) Remove(sessionID string) (ControllerSession, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	s, ok := r.sessions[sessionID]
	if !ok {
		return ControllerSession{}, false
	}
	delete(r.sessions, sessionID)
	r.lg.Info("controller disconnected", slog.Any("session", *s))
	return *s, true
}
