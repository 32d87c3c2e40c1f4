package link

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/canvaslink/canvaslink/protocol"
)

type PresenceSettings struct {
	// minimum spacing between outbound presence messages. Rapid cursor
	// movement coalesces into one message per interval, latest wins.
	SendInterval     time.Duration
	StalenessTimeout time.Duration
	SweepInterval    time.Duration
	// how often the last presence is re-sent while idle. Must be well under
	// the peers' staleness timeout so a connected but idle client is not
	// swept out as if it left.
	KeepaliveInterval time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		SendInterval:      50 * time.Millisecond,
		StalenessTimeout:  10 * time.Second,
		SweepInterval:     1 * time.Second,
		KeepaliveInterval: 3 * time.Second,
	}
}

// a remote participant's live presence. Ephemeral: created on the first
// presence message, refreshed on every one after, evicted on staleness or
// an explicit leave notice.
type Collaborator struct {
	ClientId    protocol.Id
	UserId      string
	DisplayName string
	Cursor      *protocol.Cursor
	Selection   []string
	LastSeen    time.Time

	// freshest presence timestamp observed, unix millis. Guards against
	// out-of-order delivery resurrecting a stale cursor.
	lastTimestamp int64
}

func (self *Collaborator) clone() *Collaborator {
	next := &Collaborator{
		ClientId:      self.ClientId,
		UserId:        self.UserId,
		DisplayName:   self.DisplayName,
		LastSeen:      self.LastSeen,
		lastTimestamp: self.lastTimestamp,
	}
	if self.Cursor != nil {
		cursor := *self.Cursor
		next.Cursor = &cursor
	}
	next.Selection = slices.Clone(self.Selection)
	return next
}

// PresenceChannel broadcasts the local cursor and selection at a bounded
// rate and tracks remote collaborators. Best effort by design: lost
// messages are superseded by the next one, never retried.
type PresenceChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *Connection
	roomId   string
	auth     *ClientAuth
	settings *PresenceSettings

	mutex          sync.Mutex
	collaborators  map[protocol.Id]*Collaborator
	localCursor    *protocol.Cursor
	localSelection []string
	dirty          bool
	lastSent       time.Time
}

func NewPresenceChannel(
	ctx context.Context,
	conn *Connection,
	roomId string,
	auth *ClientAuth,
	settings *PresenceSettings,
) *PresenceChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	presence := &PresenceChannel{
		ctx:           cancelCtx,
		cancel:        cancel,
		conn:          conn,
		roomId:        roomId,
		auth:          auth,
		settings:      settings,
		collaborators: map[protocol.Id]*Collaborator{},
	}
	go presence.run()
	return presence
}

func (self *PresenceChannel) run() {
	defer self.cancel()

	sendTicker := time.NewTicker(self.settings.SendInterval)
	defer sendTicker.Stop()
	sweepTicker := time.NewTicker(self.settings.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-sendTicker.C:
			self.flush()
		case <-sweepTicker.C:
			self.sweep()
		}
	}
}

// flush sends the coalesced local presence if it changed since the last
// tick, or as a keepalive when idle long enough that peers would otherwise
// sweep this client out as stale.
func (self *PresenceChannel) flush() {
	if self.conn.State() != ConnectionStateSynced {
		// stays dirty and goes out once the connection is back
		return
	}

	self.mutex.Lock()
	keepalive := !self.lastSent.IsZero() &&
		0 < self.settings.KeepaliveInterval &&
		self.settings.KeepaliveInterval <= time.Since(self.lastSent)
	if !self.dirty && !keepalive {
		self.mutex.Unlock()
		return
	}
	payload := &protocol.Presence{
		UserId:      self.auth.UserId,
		DisplayName: self.auth.DisplayName,
		Selection:   slices.Clone(self.localSelection),
	}
	if self.localCursor != nil {
		cursor := *self.localCursor
		payload.Cursor = &cursor
	}
	self.dirty = false
	self.lastSent = time.Now()
	self.mutex.Unlock()
	envelope, err := protocol.NewEnvelope(
		protocol.KindPresence,
		self.roomId,
		self.conn.LocalClientId(),
		payload,
	)
	if err != nil {
		glog.Infof("[p]%s encode presence error = %s\n", self.roomId, err)
		return
	}
	self.conn.Send(envelope)
}

// sweep evicts collaborators that have been silent past the staleness
// window. This is how "user left" is inferred without a leave notice.
func (self *PresenceChannel) sweep() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	now := time.Now()
	for clientId, collaborator := range self.collaborators {
		if self.settings.StalenessTimeout < now.Sub(collaborator.LastSeen) {
			glog.V(2).Infof("[p]%s evict stale %s\n", self.roomId, clientId)
			delete(self.collaborators, clientId)
		}
	}
}

// announce re-marks the local presence dirty so that a fresh connection
// learns about this client without waiting for the next cursor move.
func (self *PresenceChannel) announce() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.localCursor != nil || self.localSelection != nil {
		self.dirty = true
	}
}

func (self *PresenceChannel) UpdateCursor(x float64, y float64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.localCursor = &protocol.Cursor{
		X: x,
		Y: y,
	}
	self.dirty = true
}

func (self *PresenceChannel) UpdateSelection(nodeIds []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.localSelection = slices.Clone(nodeIds)
	self.dirty = true
}

// Collaborators returns a snapshot of the remote collaborator map. The
// local client is never present.
func (self *PresenceChannel) Collaborators() map[protocol.Id]*Collaborator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	collaborators := map[protocol.Id]*Collaborator{}
	for clientId, collaborator := range self.collaborators {
		collaborators[clientId] = collaborator.clone()
	}
	return collaborators
}

func (self *PresenceChannel) handlePresence(envelope *protocol.Envelope) {
	if envelope.ClientId == self.conn.LocalClientId() {
		// self echo
		return
	}
	if envelope.ClientId.IsZero() {
		return
	}
	payload, err := protocol.DecodePayload[protocol.Presence](envelope)
	if err != nil {
		// best effort channel, drop silently at V(2)
		glog.V(2).Infof("[p]%s bad presence = %s\n", self.roomId, err)
		return
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	collaborator := self.collaborators[envelope.ClientId]
	if collaborator == nil {
		collaborator = &Collaborator{
			ClientId: envelope.ClientId,
		}
		self.collaborators[envelope.ClientId] = collaborator
	} else if envelope.Timestamp < collaborator.lastTimestamp {
		// out of order delivery, a fresher update already arrived
		glog.V(2).Infof("[p]%s stale presence %s\n", self.roomId, envelope.ClientId)
		return
	}

	if payload.UserId != "" {
		collaborator.UserId = payload.UserId
	}
	if payload.DisplayName != "" {
		collaborator.DisplayName = payload.DisplayName
	}
	if payload.Cursor != nil {
		cursor := *payload.Cursor
		collaborator.Cursor = &cursor
	}
	if payload.Selection != nil {
		collaborator.Selection = slices.Clone(payload.Selection)
	}
	collaborator.LastSeen = time.Now()
	collaborator.lastTimestamp = envelope.Timestamp
}

func (self *PresenceChannel) handleLeave(envelope *protocol.Envelope) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.collaborators, envelope.ClientId)
}

func (self *PresenceChannel) Close() {
	self.cancel()
}
