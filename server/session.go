// server/session.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	crand "crypto/rand"
	"encoding/base64"
	"time"

	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/util"
)

// connectionState holds state for a single controller's connection to
// the relay.
type connectionState struct {
	token               string
	session             cpdlc.ControllerSession
	lastUpdateCall      time.Time
	warnedNoUpdateCalls bool
	eventSub            *cpdlc.EventsSubscription
}

func (r *Relay) makeSessionToken() string {
	var buf [16]byte
	if _, err := crand.Read(buf[:]); err != nil {
		r.lg.Errorf("%v", err)
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf[:])
}

// SignOn registers a controller, subscribes it to the event stream, and
// returns the session token it uses for all subsequent calls.
func (r *Relay) SignOn(userID, callsign, externalID string) (string, error) {
	r.mu.Lock(r.lg)
	if r.shuttingDown {
		r.mu.Unlock(r.lg)
		return "", ErrServerShuttingDown
	}
	duplicate := util.MapContains(r.sessionsByToken,
		func(token string, conn *connectionState) bool {
			return conn.session.Callsign == callsign
		})
	r.mu.Unlock(r.lg)

	if duplicate {
		return "", ErrControllerAlreadySignedOn
	}

	token := r.makeSessionToken()
	session := cpdlc.ControllerSession{
		UserID:     userID,
		SessionID:  token,
		Callsign:   callsign,
		ExternalID: externalID,
	}

	sub := r.events.Subscribe()
	r.controllers.Add(session)

	r.mu.Lock(r.lg)
	r.sessionsByToken[token] = &connectionState{
		token:          token,
		session:        session,
		lastUpdateCall: time.Now(),
		eventSub:       sub,
	}
	r.mu.Unlock(r.lg)

	r.events.Post(cpdlc.Event{
		Type:               cpdlc.ControllerConnectionUpdatedEvent,
		ControllerCallsign: callsign,
		Controller:         &session,
	})

	return token, nil
}

// SignOff removes the controller's session and announces the departure.
func (r *Relay) SignOff(token string) error {
	r.mu.Lock(r.lg)
	conn, ok := r.sessionsByToken[token]
	if !ok {
		r.mu.Unlock(r.lg)
		return ErrInvalidControllerToken
	}
	delete(r.sessionsByToken, token)
	r.mu.Unlock(r.lg)

	if conn.eventSub != nil {
		conn.eventSub.Unsubscribe()
	}
	r.controllers.Remove(token)

	r.events.Post(cpdlc.Event{
		Type:               cpdlc.ControllerConnectionRemovedEvent,
		ControllerCallsign: conn.session.Callsign,
	})

	return nil
}

func (r *Relay) lookupSession(token string) (*connectionState, bool) {
	r.mu.Lock(r.lg)
	defer r.mu.Unlock(r.lg)

	conn, ok := r.sessionsByToken[token]
	return conn, ok
}

// GetUpdates returns the events that have accumulated for the session
// since its last call. This is also the session's liveness signal.
func (r *Relay) GetUpdates(token string) ([]cpdlc.Event, error) {
	r.mu.Lock(r.lg)
	conn, ok := r.sessionsByToken[token]
	if !ok {
		r.mu.Unlock(r.lg)
		return nil, ErrInvalidControllerToken
	}

	conn.lastUpdateCall = time.Now()
	if conn.warnedNoUpdateCalls {
		conn.warnedNoUpdateCalls = false
		r.lg.Warnf("%s(%s): connection re-established", conn.session.Callsign,
			conn.session.UserID)
	}
	sub := conn.eventSub
	r.mu.Unlock(r.lg)

	// Get takes the event stream's own lock; don't hold ours.
	return sub.Get(), nil
}

// cullIdleSessions signs off controllers we haven't heard from, so a
// dropped connection doesn't hold a session open forever.
func (r *Relay) cullIdleSessions(ctx context.Context) {
	defer r.lg.CatchAndReportCrash()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var tokensToSignOff []string
		r.mu.Lock(r.lg)
		for token, conn := range r.sessionsByToken {
			if time.Since(conn.lastUpdateCall) > 5*time.Second {
				if !conn.warnedNoUpdateCalls {
					conn.warnedNoUpdateCalls = true
					r.lg.Warnf("%s: no update calls for 5 seconds. Connection lost?",
						conn.session.Callsign)
				}

				if time.Since(conn.lastUpdateCall) > 15*time.Second {
					r.lg.Warnf("%s (%s): signing off idle controller",
						conn.session.Callsign, conn.session.UserID)
					tokensToSignOff = append(tokensToSignOff, token)
				}
			}
		}
		r.mu.Unlock(r.lg)

		// Sign off without holding r.mu to avoid deadlock.
		for _, token := range tokensToSignOff {
			if err := r.SignOff(token); err != nil {
				r.lg.Errorf("error signing off idle controller: %v", err)
			}
		}
	}
}
