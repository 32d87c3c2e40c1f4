// Package authority is the coordinating authority for canvas rooms: it
// accepts mutations from all clients in a room, assigns them a single total
// order and rebroadcasts them. The source of truth for convergence.
package authority

import (
	"sync"

	"github.com/golang/glog"

	"github.com/canvaslink/canvaslink/doc"
	"github.com/canvaslink/canvaslink/protocol"
)

const MutationLogSize = 1024

// Room owns the authoritative document for one room id.
//
// Mutation client ids are provenance labels: sequence bookkeeping is keyed
// by the id inside the mutation, not the connection, so that a client
// re-issuing unacknowledged work after a reconnect (under a fresh
// connection id) still deduplicates against what its previous connection
// already got accepted.
type Room struct {
	roomId string

	mutex    sync.Mutex
	document *doc.Document
	// last accepted sequence number per mutation client id
	lastSeqs map[protocol.Id]uint64
	// bounded recent history, diagnostics only
	log []*protocol.Mutation

	subscribers map[protocol.Id]chan []byte
}

func NewRoom(roomId string) *Room {
	return &Room{
		roomId:      roomId,
		lastSeqs:    map[protocol.Id]uint64{},
		subscribers: map[protocol.Id]chan []byte{},
	}
}

func (self *Room) RoomId() string {
	return self.roomId
}

// Join registers a subscriber send channel and returns the snapshot
// envelope for the joining client. An unseeded room returns an empty
// snapshot, inviting the client to seed it.
func (self *Room) Join(clientId protocol.Id, send chan []byte) *protocol.Envelope {
	self.mutex.Lock()
	self.subscribers[clientId] = send
	snapshot := self.snapshotLocked()
	self.mutex.Unlock()
	return protocol.RequireNewEnvelope(protocol.KindSnapshot, self.roomId, clientId, snapshot)
}

// Leave removes the subscriber and notifies the rest of the room so that
// presence eviction does not have to wait for the staleness window.
func (self *Room) Leave(clientId protocol.Id) {
	self.mutex.Lock()
	delete(self.subscribers, clientId)
	self.mutex.Unlock()

	leave := protocol.RequireNewEnvelope(protocol.KindLeave, self.roomId, clientId, nil)
	leaveBytes, err := protocol.EncodeEnvelope(leave)
	if err != nil {
		return
	}
	self.broadcast(leaveBytes, protocol.Id{})
}

// Seed installs the bootstrap document at version 1. Only the first seed
// wins; later seeds are ignored. Returns true when the seed was installed.
func (self *Room) Seed(clientId protocol.Id, seedDocument *doc.Document) bool {
	self.mutex.Lock()
	if self.document != nil {
		self.mutex.Unlock()
		glog.V(2).Infof("[r]%s ignore late seed from %s\n", self.roomId, clientId)
		return false
	}
	self.document = seedDocument.Clone()
	self.document.Version = 1
	self.mutex.Unlock()

	glog.V(2).Infof("[r]%s seeded by %s\n", self.roomId, clientId)
	self.broadcastSnapshot()
	return true
}

// Accept validates one mutation, assigns it the next version and
// rebroadcasts it to every subscriber including an echo to the origin.
// Duplicates (sequence number at or below the last accepted for that
// client) are dropped so a re-issued mutation is applied exactly once.
// Mutations that do not apply cleanly are dropped with a diagnostic; the
// document never holds a dangling reference.
func (self *Room) Accept(m *protocol.Mutation) bool {
	self.mutex.Lock()
	if self.document == nil {
		self.mutex.Unlock()
		glog.Infof("[r]%s drop mutation before seed\n", self.roomId)
		return false
	}
	if m.Seq <= self.lastSeqs[m.ClientId] {
		self.mutex.Unlock()
		glog.V(2).Infof("[r]%s drop duplicate %s seq=%d\n", self.roomId, m.ClientId, m.Seq)
		return false
	}
	if err := protocol.ApplyMutation(self.document, m); err != nil {
		// e.g. a structural edit whose target a concurrent remove beat
		self.mutex.Unlock()
		glog.Infof("[r]%s drop %s %s = %s\n", self.roomId, m.Op, m.TargetId, err)
		return false
	}

	self.document.Version += 1
	m.Version = self.document.Version
	self.lastSeqs[m.ClientId] = m.Seq
	self.log = append(self.log, m)
	if MutationLogSize < len(self.log) {
		self.log = self.log[len(self.log)-MutationLogSize:]
	}
	self.mutex.Unlock()

	envelope, err := protocol.NewEnvelope(protocol.KindMutation, self.roomId, m.ClientId, m)
	if err != nil {
		return false
	}
	envelopeBytes, err := protocol.EncodeEnvelope(envelope)
	if err != nil {
		return false
	}
	self.broadcast(envelopeBytes, protocol.Id{})
	return true
}

// Forward rebroadcasts a presence envelope to everyone except the origin.
// Never versioned, never logged, never retried.
func (self *Room) Forward(envelope *protocol.Envelope) {
	envelopeBytes, err := protocol.EncodeEnvelope(envelope)
	if err != nil {
		return
	}
	self.broadcast(envelopeBytes, envelope.ClientId)
}

// SnapshotEnvelope builds a point-in-time snapshot addressed to clientId.
func (self *Room) SnapshotEnvelope(clientId protocol.Id) *protocol.Envelope {
	self.mutex.Lock()
	snapshot := self.snapshotLocked()
	self.mutex.Unlock()
	return protocol.RequireNewEnvelope(protocol.KindSnapshot, self.roomId, clientId, snapshot)
}

func (self *Room) Snapshot() *protocol.Snapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshotLocked()
}

func (self *Room) Version() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.document == nil {
		return 0
	}
	return self.document.Version
}

func (self *Room) SubscriberCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.subscribers)
}

func (self *Room) snapshotLocked() *protocol.Snapshot {
	if self.document == nil {
		return &protocol.Snapshot{
			Version: 0,
			Empty:   true,
		}
	}
	acceptedSeqs := map[string]uint64{}
	for clientId, seq := range self.lastSeqs {
		acceptedSeqs[clientId.String()] = seq
	}
	return &protocol.Snapshot{
		Document:     self.document.Clone(),
		Version:      self.document.Version,
		AcceptedSeqs: acceptedSeqs,
	}
}

func (self *Room) broadcastSnapshot() {
	self.mutex.Lock()
	subscriberIds := []protocol.Id{}
	for clientId := range self.subscribers {
		subscriberIds = append(subscriberIds, clientId)
	}
	self.mutex.Unlock()

	for _, clientId := range subscriberIds {
		envelope := self.SnapshotEnvelope(clientId)
		envelopeBytes, err := protocol.EncodeEnvelope(envelope)
		if err != nil {
			continue
		}
		self.sendTo(clientId, envelopeBytes)
	}
}

// broadcast delivers to every subscriber except skipClientId, best effort.
// A subscriber with a full send channel misses the message and repairs via
// the version-gap resync on its side.
func (self *Room) broadcast(envelopeBytes []byte, skipClientId protocol.Id) {
	self.mutex.Lock()
	sends := map[protocol.Id]chan []byte{}
	for clientId, send := range self.subscribers {
		if clientId == skipClientId {
			continue
		}
		sends[clientId] = send
	}
	self.mutex.Unlock()

	for clientId, send := range sends {
		select {
		case send <- envelopeBytes:
		default:
			glog.Infof("[r]%s drop broadcast to %s (backpressure)\n", self.roomId, clientId)
		}
	}
}

func (self *Room) sendTo(clientId protocol.Id, envelopeBytes []byte) {
	self.mutex.Lock()
	send := self.subscribers[clientId]
	self.mutex.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- envelopeBytes:
	default:
		glog.Infof("[r]%s drop send to %s (backpressure)\n", self.roomId, clientId)
	}
}
