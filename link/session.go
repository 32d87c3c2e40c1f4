// Package link is the client side of the canvas synchronization engine.
//
// A Session owns one room connection and exposes a local-first surface: the
// document reads and writes synchronously while the connection manager,
// document sync channel and presence channel reconcile with the coordinating
// authority underneath.
package link

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/canvaslink/canvaslink/doc"
	"github.com/canvaslink/canvaslink/protocol"
)

type SessionSettings struct {
	ConnectionSettings *ConnectionSettings
	PresenceSettings   *PresenceSettings
	// how long Open waits for the first authoritative snapshot
	OpenTimeout time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ConnectionSettings: DefaultConnectionSettings(),
		PresenceSettings:   DefaultPresenceSettings(),
		OpenTimeout:        15 * time.Second,
	}
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId   string
	conn     *Connection
	document *DocumentChannel
	presence *PresenceChannel
}

// OpenSession joins a room and blocks until the first authoritative
// snapshot has been applied, or until the handshake fails terminally, or
// until the open timeout passes. The bootstrap function is only invoked
// when the room has no prior state.
func OpenSessionWithDefaults(
	ctx context.Context,
	endpoint string,
	roomId string,
	auth *ClientAuth,
	bootstrap BootstrapFunction,
) (*Session, error) {
	return OpenSession(ctx, endpoint, roomId, auth, bootstrap, DefaultSessionSettings())
}

func OpenSession(
	ctx context.Context,
	endpoint string,
	roomId string,
	auth *ClientAuth,
	bootstrap BootstrapFunction,
	settings *SessionSettings,
) (*Session, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	conn := NewConnection(cancelCtx, endpoint, roomId, auth, settings.ConnectionSettings)
	document := NewDocumentChannel(conn, roomId, bootstrap)
	presence := NewPresenceChannel(cancelCtx, conn, roomId, auth, settings.PresenceSettings)

	session := &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		roomId:   roomId,
		conn:     conn,
		document: document,
		presence: presence,
	}

	// after every reconnect handshake the authority pushes a fresh
	// snapshot. hold incremental applies until it lands.
	conn.AddStateChangeCallback(func(state ConnectionState) {
		switch state {
		case ConnectionStateSyncing:
			document.beginResync()
		case ConnectionStateSynced:
			presence.announce()
		}
	})

	go session.dispatch()

	// wait for the first snapshot or a terminal failure
	openTimeout := time.After(settings.OpenTimeout)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-cancelCtx.Done():
			session.Close()
			return nil, cancelCtx.Err()
		case <-document.WaitSynced():
			return session, nil
		case <-openTimeout:
			session.Close()
			return nil, fmt.Errorf("open %s: timeout waiting for snapshot", roomId)
		case <-poll.C:
			if conn.State() == ConnectionStateError {
				err := conn.LastError()
				session.Close()
				return nil, err
			}
		}
	}
}

// dispatch routes inbound envelopes to the document or presence channel by
// kind. One monolithic callback per message type is exactly what this
// avoids: each channel only ever sees its own kinds.
func (self *Session) dispatch() {
	for envelope := range self.conn.Receive() {
		switch envelope.Kind {
		case protocol.KindSnapshot:
			self.document.handleSnapshot(envelope)
		case protocol.KindMutation:
			self.document.handleMutation(envelope)
		case protocol.KindPresence:
			self.presence.handlePresence(envelope)
		case protocol.KindLeave:
			self.presence.handleLeave(envelope)
		case protocol.KindError:
			if payload, err := protocol.DecodePayload[protocol.ErrorPayload](envelope); err == nil {
				glog.Infof("[s]%s authority error %s = %s\n", self.roomId, payload.Code, payload.Message)
			}
		default:
			// protocol error. drop the message, keep the connection
			glog.Infof("[s]%s drop unknown kind %s\n", self.roomId, envelope.Kind)
		}
	}
}

func (self *Session) GetDocument() *doc.Document {
	return self.document.GetDocument()
}

func (self *Session) SetDocument(mutate func(tx *DocumentTx)) {
	self.document.SetDocument(mutate)
}

func (self *Session) AddRemoteChangeCallback(callback RemoteChangeFunction) func() {
	return self.document.AddRemoteChangeCallback(callback)
}

func (self *Session) Status() ConnectionState {
	return self.conn.State()
}

func (self *Session) IsSyncing() bool {
	state := self.conn.State()
	return state == ConnectionStateSyncing || self.document.IsSyncing()
}

func (self *Session) LastError() error {
	return self.conn.LastError()
}

func (self *Session) LocalClientId() protocol.Id {
	return self.conn.LocalClientId()
}

func (self *Session) Collaborators() map[protocol.Id]*Collaborator {
	return self.presence.Collaborators()
}

func (self *Session) UpdateCursor(x float64, y float64) {
	self.presence.UpdateCursor(x, y)
}

func (self *Session) UpdateSelection(nodeIds []string) {
	self.presence.UpdateSelection(nodeIds)
}

// Reconnect bypasses the backoff timer and retries immediately.
func (self *Session) Reconnect() {
	self.conn.Reconnect()
}

// ForceResync abandons optimistic local state and refetches the document.
func (self *Session) ForceResync() {
	self.document.ForceResync()
}

func (self *Session) Close() {
	self.presence.Close()
	self.conn.Close()
	self.cancel()
}
