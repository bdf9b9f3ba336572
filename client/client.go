// client/client.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package client

import (
	"fmt"
	"net"
	"net/rpc"
	"slices"
	"sync"
	"time"

	"github.com/atcflow/datalink/log"
	"github.com/atcflow/datalink/server"
	"github.com/atcflow/datalink/util"
)

// RelayClient is the controller-side handle on a relay server: it signs
// on, mirrors the server's state by applying streamed events, and issues
// commands as asynchronous RPCs.
type RelayClient struct {
	controllerToken string
	client          *RPCClient

	lg *log.Logger
	mu sync.Mutex

	lastUpdateRequest time.Time
	updateCall        *pendingCall
	lastUpdateLatency time.Duration

	pendingCalls []*pendingCall

	// State is the client's mirror of the relay; it is only mutated by
	// GetUpdates applying events, on the caller's goroutine.
	State State
}

type RPCClient struct {
	*rpc.Client
}

func (c *RPCClient) callWithTimeout(serviceMethod string, args any, reply any) error {
	pc := &pendingCall{
		Call:      c.Go(serviceMethod, args, reply, nil),
		IssueTime: time.Now(),
	}

	for {
		select {
		case <-pc.Call.Done:
			return pc.Call.Error

		case <-time.After(5 * time.Second):
			if !util.DebuggerIsRunning() {
				return fmt.Errorf("%s: %w", serviceMethod, util.ErrRPCTimeout)
			}
		}
	}
}

type pendingCall struct {
	Call      *rpc.Call
	IssueTime time.Time
	Callback  func(*State, error)
}

func makeRPCCall(call *rpc.Call, callback func(error)) *pendingCall {
	return &pendingCall{
		Call:      call,
		IssueTime: time.Now(),
		Callback: func(state *State, err error) {
			if callback != nil {
				callback(err)
			}
		},
	}
}

func (p *pendingCall) CheckFinished() bool {
	select {
	case <-p.Call.Done:
		return true
	default:
		return false
	}
}

func (p *pendingCall) InvokeCallback(state *State) {
	if p.Callback != nil {
		p.Callback(state, p.Call.Error)
	}
}

func NewRelayClient(token string, client *RPCClient, lg *log.Logger) *RelayClient {
	return &RelayClient{
		controllerToken:   token,
		client:            client,
		lg:                lg,
		lastUpdateRequest: time.Now(),
		State:             MakeState(),
	}
}

func (c *RelayClient) RPCClient() *RPCClient {
	return c.client
}

func (c *RelayClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client != nil
}

// Disconnect signs off from the relay; the client is unusable afterward.
func (c *RelayClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.callWithTimeout(server.SignOffRPC, c.controllerToken, nil); err != nil {
		c.lg.Errorf("Error signing off from relay: %v", err)
	}
	c.State = MakeState()
}

func (c *RelayClient) addCall(pc *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingCalls = append(c.pendingCalls, pc)
}

// GetUpdates drives the client's poll loop: it checks outstanding RPCs
// for completion or timeout, applies newly arrived events to State, and
// issues the next update call if the last one has come back. onEvent, if
// non-nil, is called for each applied event; onErr is called if the
// server has stopped responding.
func (c *RelayClient) GetUpdates(onEvent func(server.EventDto), onErr func(error)) {
	if c.client == nil {
		return
	}

	// Callbacks are invoked after releasing the lock; they may call back
	// into methods that take it.
	var callbackErr error
	var completedCalls []*pendingCall
	var events []server.EventDto

	c.mu.Lock()

	if c.updateCall != nil {
		if c.updateCall.CheckFinished() {
			completedCalls = append(completedCalls, c.updateCall)
			c.updateCall = nil
		} else {
			callbackErr = checkTimeout(c.updateCall)
		}
	}

	if callbackErr == nil {
		var completed []*pendingCall
		completed, callbackErr = c.checkPendingRPCs()
		completedCalls = append(completedCalls, completed...)
	}

	if c.updateCall == nil && time.Since(c.lastUpdateRequest) > time.Second {
		c.lastUpdateRequest = time.Now()

		result := &[]server.EventDto{}
		issueTime := time.Now()
		c.updateCall = &pendingCall{
			Call:      c.client.Go(server.GetUpdatesRPC, c.controllerToken, result, nil),
			IssueTime: issueTime,
			Callback: func(state *State, err error) {
				c.lastUpdateLatency = time.Since(issueTime)
				if err != nil {
					return
				}
				for _, ev := range *result {
					state.Apply(ev)
					events = append(events, ev)
				}
			},
		}
	}

	c.mu.Unlock()

	for _, call := range completedCalls {
		call.InvokeCallback(&c.State)
	}
	if onEvent != nil {
		for _, ev := range events {
			onEvent(ev)
		}
	}
	if callbackErr != nil && onErr != nil {
		onErr(callbackErr)
	}
}

func (c *RelayClient) checkPendingRPCs() ([]*pendingCall, error) {
	var completed []*pendingCall
	c.pendingCalls = slices.DeleteFunc(c.pendingCalls,
		func(call *pendingCall) bool {
			if call.CheckFinished() {
				completed = append(completed, call)
				return true
			}
			return false
		})

	for _, call := range c.pendingCalls {
		if err := checkTimeout(call); err != nil {
			return completed, err
		}
	}
	return completed, nil
}

func checkTimeout(call *pendingCall) error {
	if time.Since(call.IssueTime) > 5*time.Second && !util.DebuggerIsRunning() {
		return util.ErrRPCTimeout
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Commands

// SendUplink transmits a CPDLC uplink; callback receives the recorded
// message (with its allocated id) once the server replies.
func (c *RelayClient) SendUplink(recipient string, replyTo *int, responseType, content string,
	callback func(server.MessageDto, error)) {
	args := &server.SendUplinkArgs{
		ControllerToken:  c.controllerToken,
		Recipient:        recipient,
		ReplyReferenceID: replyTo,
		ResponseType:     responseType,
		Content:          content,
	}
	var result server.MessageDto
	c.addCall(makeRPCCall(c.client.Go(server.SendUplinkRPC, args, &result, nil),
		func(err error) {
			if callback != nil {
				callback(result, server.TryDecodeError(err))
			}
		}))
}

func (c *RelayClient) AcknowledgeDownlink(dialogueID string, messageID int, callback func(error)) {
	args := &server.AcknowledgeMessageArgs{
		ControllerToken: c.controllerToken,
		DialogueID:      dialogueID,
		MessageID:       messageID,
	}
	c.addCall(makeRPCCall(c.client.Go(server.AcknowledgeDownlinkRPC, args, nil, nil), callback))
}

func (c *RelayClient) AcknowledgeUplink(dialogueID string, messageID int, callback func(error)) {
	args := &server.AcknowledgeMessageArgs{
		ControllerToken: c.controllerToken,
		DialogueID:      dialogueID,
		MessageID:       messageID,
	}
	c.addCall(makeRPCCall(c.client.Go(server.AcknowledgeUplinkRPC, args, nil, nil), callback))
}

func (c *RelayClient) ArchiveDialogue(dialogueID string, callback func(error)) {
	args := &server.ArchiveDialogueArgs{
		ControllerToken: c.controllerToken,
		DialogueID:      dialogueID,
	}
	c.addCall(makeRPCCall(c.client.Go(server.ArchiveDialogueRPC, args, nil, nil), callback))
}

// FetchAllDialogues synchronously fetches the server's full dialogue
// list; used at sign-on to seed State before events start flowing.
func (c *RelayClient) FetchAllDialogues() ([]server.DialogueDto, error) {
	var dialogues []server.DialogueDto
	err := c.client.callWithTimeout(server.GetAllDialoguesRPC, c.controllerToken, &dialogues)
	return dialogues, server.TryDecodeError(err)
}

func (c *RelayClient) FetchConnectedAircraft() ([]server.AircraftConnectionDto, error) {
	var aircraft []server.AircraftConnectionDto
	err := c.client.callWithTimeout(server.GetConnectedAircraftRPC, c.controllerToken, &aircraft)
	return aircraft, server.TryDecodeError(err)
}

func (c *RelayClient) FetchConnectedControllers() ([]server.ControllerConnectionDto, error) {
	var controllers []server.ControllerConnectionDto
	err := c.client.callWithTimeout(server.GetConnectedControllersRPC, c.controllerToken, &controllers)
	return controllers, server.TryDecodeError(err)
}

///////////////////////////////////////////////////////////////////////////
// Server connections

type serverConnection struct {
	Server *Server
	Err    error
}

// Server is the client-side representation of a relay server.
type Server struct {
	*RPCClient

	name string
}

func (s *Server) Close() error {
	return s.RPCClient.Close()
}

// SignOn registers the controller with the relay and returns a client
// that mirrors its state.
func (s *Server) SignOn(userID, callsign, externalID string, lg *log.Logger) (*RelayClient, error) {
	args := &server.SignOnArgs{
		Version:    server.RelayRPCVersion,
		UserID:     userID,
		Callsign:   callsign,
		ExternalID: externalID,
	}
	var result server.SignOnResult
	if err := s.callWithTimeout(server.SignOnRPC, args, &result); err != nil {
		return nil, server.TryDecodeError(err)
	}

	c := NewRelayClient(result.ControllerToken, s.RPCClient, lg)

	// Seed the local mirror; events from GetUpdates keep it current from
	// here on.
	if dialogues, err := c.FetchAllDialogues(); err != nil {
		return nil, err
	} else {
		c.State.SeedDialogues(dialogues)
	}
	if aircraft, err := c.FetchConnectedAircraft(); err != nil {
		return nil, err
	} else {
		c.State.SeedAircraft(aircraft)
	}
	if controllers, err := c.FetchConnectedControllers(); err != nil {
		return nil, err
	} else {
		c.State.SeedControllers(controllers)
	}

	return c, nil
}

func getClient(hostname string, lg *log.Logger) (*RPCClient, error) {
	conn, err := net.Dial("tcp", hostname)
	if err != nil {
		return nil, err
	}

	cc, err := util.MakeCompressedConn(conn)
	if err != nil {
		return nil, err
	}

	codec := util.MakeMessagepackClientCodec(cc)
	codec = util.MakeLoggingClientCodec(hostname, codec, lg)
	return &RPCClient{rpc.NewClientWithCodec(codec)}, nil
}

// TryConnectRemoteServer dials the relay in the background; the result
// arrives on the returned channel.
func TryConnectRemoteServer(hostname string, lg *log.Logger) chan *serverConnection {
	ch := make(chan *serverConnection, 1)
	go func() {
		if client, err := getClient(hostname, lg); err != nil {
			ch <- &serverConnection{Err: err}
		} else {
			ch <- &serverConnection{
				Server: &Server{
					RPCClient: client,
					name:      hostname,
				},
			}
		}
	}()

	return ch
}
