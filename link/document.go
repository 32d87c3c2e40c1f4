package link

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/canvaslink/canvaslink/doc"
	"github.com/canvaslink/canvaslink/protocol"
)

// BootstrapFunction supplies the initial document for a room that has no
// authoritative state yet. Invoked at most once per session.
type BootstrapFunction func() *doc.Document

type RemoteChangeFunction func(d *doc.Document)

// DocumentChannel holds this client's belief of the shared document.
//
// Local edits apply optimistically and are queued as pending mutations
// tagged with a strictly increasing per-client sequence number. The
// authority total-orders accepted mutations and rebroadcasts them with the
// version each produced; the channel reconciles its optimistic state against
// that order. Whenever ordering cannot be proven locally the channel
// discards its belief and asks the authority for a fresh snapshot.
type DocumentChannel struct {
	conn      *Connection
	roomId    string
	bootstrap BootstrapFunction

	mutex   sync.Mutex
	local   *doc.Document
	nextSeq uint64
	// sent, unacknowledged mutations in sequence order
	pending []*protocol.Mutation
	// true between a handshake and the snapshot that completes it
	syncing bool
	seeded  bool

	syncedOnce sync.Once
	synced     chan struct{}

	remoteChangeCallbacks *callbackList[RemoteChangeFunction]
}

func NewDocumentChannel(conn *Connection, roomId string, bootstrap BootstrapFunction) *DocumentChannel {
	return &DocumentChannel{
		conn:                  conn,
		roomId:                roomId,
		bootstrap:             bootstrap,
		syncing:               true,
		synced:                make(chan struct{}),
		remoteChangeCallbacks: newCallbackList[RemoteChangeFunction](),
	}
}

// GetDocument returns a deep copy of the local document. Pure local read,
// never blocks on the network.
func (self *DocumentChannel) GetDocument() *doc.Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.local == nil {
		return nil
	}
	return self.local.Clone()
}

func (self *DocumentChannel) IsSyncing() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.syncing
}

// WaitSynced closes when the first authoritative snapshot has been applied.
func (self *DocumentChannel) WaitSynced() <-chan struct{} {
	return self.synced
}

func (self *DocumentChannel) AddRemoteChangeCallback(callback RemoteChangeFunction) func() {
	return self.remoteChangeCallbacks.add(callback)
}

// SetDocument applies the caller's edits to the local copy immediately and
// transmits them. Fire and forget: the caller observes its own edits
// instantaneously and never sees a network failure here.
//
// The mutator runs against a working copy without the channel mutex held,
// so it is free to call back into GetDocument or PendingCount.
func (self *DocumentChannel) SetDocument(mutate func(tx *DocumentTx)) {
	self.mutex.Lock()
	if self.local == nil {
		self.mutex.Unlock()
		glog.Infof("[d]%s edit before first snapshot dropped\n", self.roomId)
		return
	}
	working := self.local.Clone()
	self.mutex.Unlock()

	tx := &DocumentTx{
		channel: self,
		working: working,
	}
	mutate(tx)
	if len(tx.out) == 0 {
		return
	}

	self.mutex.Lock()
	committed := []*protocol.Mutation{}
	for _, m := range tx.out {
		m.MutationId = protocol.NewId()
		m.ClientId = self.conn.LocalClientId()
		m.Seq = self.nextSeq + 1
		if err := protocol.ApplyMutation(self.local, m); err != nil {
			// a remote mutation landed between the working copy and here
			glog.Infof("[d]%s drop local %s %s = %s\n", self.roomId, m.Op, m.TargetId, err)
			continue
		}
		self.nextSeq += 1
		self.pending = append(self.pending, m)
		committed = append(committed, m)
	}
	self.mutex.Unlock()

	for _, m := range committed {
		self.sendMutation(m)
	}
}

func (self *DocumentChannel) sendMutation(m *protocol.Mutation) {
	envelope, err := protocol.NewEnvelope(protocol.KindMutation, self.roomId, m.ClientId, m)
	if err != nil {
		glog.Infof("[d]%s encode mutation error = %s\n", self.roomId, err)
		return
	}
	self.conn.Send(envelope)
}

// DocumentTx records the mutations of one SetDocument call against a
// working copy, so later edits in the same call see earlier ones. Each
// recorded edit is applied to the local copy before SetDocument returns.
type DocumentTx struct {
	channel *DocumentChannel
	working *doc.Document
	out     []*protocol.Mutation
}

func (self *DocumentTx) Patch(targetId string, patch *doc.Patch) {
	self.record(&protocol.Mutation{
		TargetId: targetId,
		Op:       protocol.OpPatch,
		Patch:    patch,
	})
}

func (self *DocumentTx) Insert(parentId string, index int, node *doc.Node) {
	self.record(&protocol.Mutation{
		TargetId: parentId,
		Op:       protocol.OpInsert,
		Insert: &protocol.InsertOp{
			Index: index,
			// detach from the caller, which may keep mutating its node
			Node: node.Clone(),
		},
	})
}

func (self *DocumentTx) Remove(targetId string) {
	self.record(&protocol.Mutation{
		TargetId: targetId,
		Op:       protocol.OpRemove,
	})
}

func (self *DocumentTx) Reorder(parentId string, childId string, toIndex int) {
	self.record(&protocol.Mutation{
		TargetId: parentId,
		Op:       protocol.OpReorder,
		Reorder: &protocol.ReorderOp{
			ChildId: childId,
			ToIndex: toIndex,
		},
	})
}

func (self *DocumentTx) record(m *protocol.Mutation) {
	if err := protocol.ApplyMutation(self.working, m); err != nil {
		// never queue an edit the working copy rejected
		glog.Infof("[d]%s drop local %s %s = %s\n", self.channel.roomId, m.Op, m.TargetId, err)
		return
	}
	self.out = append(self.out, m)
}

// handleMutation applies one authority-accepted mutation in broadcast
// order.
func (self *DocumentChannel) handleMutation(envelope *protocol.Envelope) {
	m, err := protocol.DecodePayload[protocol.Mutation](envelope)
	if err != nil {
		glog.Infof("[d]%s bad mutation = %s\n", self.roomId, err)
		return
	}

	self.mutex.Lock()
	if self.local == nil || self.syncing {
		// a snapshot is on the way that already includes this mutation
		self.mutex.Unlock()
		return
	}
	if m.Version <= self.local.Version {
		// stale rebroadcast
		self.mutex.Unlock()
		return
	}
	if self.local.Version+1 != m.Version {
		// a broadcast was lost. ordering cannot be proven locally
		glog.Infof("[d]%s version gap %d -> %d, resync\n", self.roomId, self.local.Version, m.Version)
		self.mutex.Unlock()
		self.ForceResync()
		return
	}

	pendingIndex := -1
	for i, p := range self.pending {
		if p.MutationId == m.MutationId {
			pendingIndex = i
			break
		}
	}
	if 0 <= pendingIndex {
		// echo of our own optimistic mutation. Reapply it so that an
		// interleaved foreign mutation resolves in authority order, not in
		// local apply order. Without this two clients inserting at the
		// same position would disagree on child order.
		for _, p := range self.pending[:pendingIndex] {
			// the authority skipped these. do not wait for an ack that
			// will never come
			glog.Infof("[d]%s abandon unaccepted seq=%d\n", self.roomId, p.Seq)
		}
		self.pending = self.pending[pendingIndex+1:]
		if err := self.reapplyEcho(m); err != nil {
			glog.Infof("[d]%s echo reapply %s = %s, resync\n", self.roomId, m.TargetId, err)
			self.mutex.Unlock()
			self.ForceResync()
			return
		}
		self.local.Version = m.Version
	} else {
		if err := protocol.ApplyMutation(self.local, m); err != nil {
			// accepted by the authority but unapplicable here: the local
			// optimistic state has diverged
			glog.Infof("[d]%s apply %s %s = %s, resync\n", self.roomId, m.Op, m.TargetId, err)
			self.mutex.Unlock()
			self.ForceResync()
			return
		}
		self.local.Version = m.Version
	}
	changed := self.local.Clone()
	self.mutex.Unlock()

	for _, callback := range self.remoteChangeCallbacks.get() {
		callback(changed)
	}
}

// reapplyEcho re-runs one of our own accepted mutations at its
// authority-assigned position in the total order. Called with the mutex
// held. The optimistic apply already ran, so structural ops replay on top
// of their own earlier effect: an insert moves the node to where the
// authority ordered it, a remove of an already absent node is a no-op.
func (self *DocumentChannel) reapplyEcho(m *protocol.Mutation) error {
	switch m.Op {
	case protocol.OpInsert:
		if err := self.local.RemoveNode(m.Insert.Node.Id); err != nil && !errors.Is(err, doc.ErrNodeMissing) {
			return err
		}
		return protocol.ApplyMutation(self.local, m)
	case protocol.OpRemove:
		if err := self.local.RemoveNode(m.TargetId); err != nil && !errors.Is(err, doc.ErrNodeMissing) {
			return err
		}
		return nil
	default:
		return protocol.ApplyMutation(self.local, m)
	}
}

// handleSnapshot installs a full authoritative document, wholesale.
func (self *DocumentChannel) handleSnapshot(envelope *protocol.Envelope) {
	snapshot, err := protocol.DecodePayload[protocol.Snapshot](envelope)
	if err != nil {
		glog.Infof("[d]%s bad snapshot = %s\n", self.roomId, err)
		return
	}

	if snapshot.Empty {
		self.seedRoom()
		return
	}
	if snapshot.Document == nil || snapshot.Document.Root == nil {
		// protocol error. drop the message, keep the connection
		glog.Infof("[d]%s drop snapshot without a document\n", self.roomId)
		return
	}

	self.mutex.Lock()
	self.local = snapshot.Document
	self.local.Version = snapshot.Version

	// drop pending mutations the authority already accepted, keep the rest
	// for exactly-once re-issue
	reissue := []*protocol.Mutation{}
	for _, m := range self.pending {
		if snapshot.AcceptedSeqs[m.ClientId.String()] < m.Seq {
			reissue = append(reissue, m)
		}
	}
	self.pending = reissue

	// restore the optimistic view on top of the fresh snapshot
	for _, m := range reissue {
		if err := protocol.ApplyMutation(self.local, m); err != nil {
			glog.Infof("[d]%s reapply pending seq=%d = %s\n", self.roomId, m.Seq, err)
		}
	}

	self.syncing = false
	changed := self.local.Clone()
	self.mutex.Unlock()

	self.conn.markSynced()
	self.syncedOnce.Do(func() {
		close(self.synced)
	})

	for _, m := range reissue {
		glog.V(2).Infof("[d]%s reissue seq=%d\n", self.roomId, m.Seq)
		self.sendMutation(m)
	}

	for _, callback := range self.remoteChangeCallbacks.get() {
		callback(changed)
	}
}

// seedRoom answers an empty-room snapshot with the bootstrap document, or
// with the local copy when the authority lost a room this client had
// already synced, so that committed work survives an authority restart.
func (self *DocumentChannel) seedRoom() {
	self.mutex.Lock()
	var seedDocument *doc.Document
	if self.local != nil {
		seedDocument = self.local.Clone()
		// pending effects are baked into the seed
		self.pending = nil
	} else if !self.seeded && self.bootstrap != nil {
		self.seeded = true
		seedDocument = self.bootstrap()
	}
	self.mutex.Unlock()

	if seedDocument == nil {
		glog.Infof("[d]%s no seed for empty room\n", self.roomId)
		return
	}
	seedDocument.Version = 0

	envelope, err := protocol.NewEnvelope(
		protocol.KindSeed,
		self.roomId,
		self.conn.LocalClientId(),
		&protocol.Seed{
			Document: seedDocument,
		},
	)
	if err != nil {
		glog.Infof("[d]%s encode seed error = %s\n", self.roomId, err)
		return
	}
	self.conn.Send(envelope)
	// the authority answers with the installed snapshot
}

// beginResync marks the channel out of sync after a reconnect handshake.
// Pending mutations are retained: the post-reconnect snapshot decides which
// of them must be re-issued.
func (self *DocumentChannel) beginResync() {
	self.mutex.Lock()
	self.syncing = true
	self.mutex.Unlock()
}

// ForceResync discards all pending local work and requests a fresh
// snapshot. The divergence repair of last resort.
func (self *DocumentChannel) ForceResync() {
	self.mutex.Lock()
	for _, m := range self.pending {
		glog.Infof("[d]%s abandon pending seq=%d\n", self.roomId, m.Seq)
	}
	self.pending = nil
	self.syncing = true
	self.mutex.Unlock()

	envelope := protocol.RequireNewEnvelope(
		protocol.KindSnapshot,
		self.roomId,
		self.conn.LocalClientId(),
		nil,
	)
	self.conn.Send(envelope)
}

func (self *DocumentChannel) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}
