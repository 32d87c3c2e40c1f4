package authority

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/canvaslink/canvaslink/doc"
	"github.com/canvaslink/canvaslink/protocol"
)

func strptr(s string) *string {
	return &s
}

func seedDocument() *doc.Document {
	return doc.NewDocument(&doc.Node{
		Id:   "root",
		Type: "canvas",
		Children: []*doc.Node{
			&doc.Node{Id: "rect1", Type: "rect", Fill: "#ffffff"},
		},
	})
}

func patchMutation(clientId protocol.Id, seq uint64, targetId string, patch *doc.Patch) *protocol.Mutation {
	return &protocol.Mutation{
		MutationId: protocol.NewId(),
		ClientId:   clientId,
		Seq:        seq,
		TargetId:   targetId,
		Op:         protocol.OpPatch,
		Patch:      patch,
	}
}

func drain(send chan []byte) []*protocol.Envelope {
	envelopes := []*protocol.Envelope{}
	for {
		select {
		case envelopeBytes := <-send:
			envelope, err := protocol.DecodeEnvelope(envelopeBytes)
			if err == nil {
				envelopes = append(envelopes, envelope)
			}
		default:
			return envelopes
		}
	}
}

func TestJoinEmptyRoomInvitesSeed(t *testing.T) {
	room := NewRoom("room1")
	clientId := protocol.NewId()
	send := make(chan []byte, 16)

	envelope := room.Join(clientId, send)
	assert.Equal(t, protocol.KindSnapshot, envelope.Kind)
	snapshot, err := protocol.DecodePayload[protocol.Snapshot](envelope)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, snapshot.Empty)
	assert.Equal(t, int64(0), snapshot.Version)
}

func TestSeedFirstWins(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	clientB := protocol.NewId()
	sendA := make(chan []byte, 16)
	sendB := make(chan []byte, 16)
	room.Join(clientA, sendA)
	room.Join(clientB, sendB)

	assert.Equal(t, true, room.Seed(clientA, seedDocument()))
	assert.Equal(t, int64(1), room.Version())

	// a late seed does not replace the document
	other := doc.NewDocument(&doc.Node{Id: "other", Type: "canvas"})
	assert.Equal(t, false, room.Seed(clientB, other))
	assert.Equal(t, "root", room.Snapshot().Document.Root.Id)

	// everyone got the installed snapshot
	for _, send := range []chan []byte{sendA, sendB} {
		envelopes := drain(send)
		assert.Equal(t, 1, len(envelopes))
		assert.Equal(t, protocol.KindSnapshot, envelopes[0].Kind)
	}
}

func TestAcceptTotalOrder(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	clientB := protocol.NewId()
	sendA := make(chan []byte, 16)
	room.Join(clientA, sendA)
	room.Seed(clientA, seedDocument())
	drain(sendA)

	mA := patchMutation(clientA, 1, "rect1", &doc.Patch{Stroke: strptr("#000000")})
	mB := patchMutation(clientB, 1, "rect1", &doc.Patch{Fill: strptr("#ff0000")})

	assert.Equal(t, true, room.Accept(mA))
	assert.Equal(t, true, room.Accept(mB))

	// versions assigned in acceptance order, one per mutation
	assert.Equal(t, int64(2), mA.Version)
	assert.Equal(t, int64(3), mB.Version)

	snapshot := room.Snapshot()
	rect1 := snapshot.Document.Node("rect1")
	assert.Equal(t, "#000000", rect1.Stroke)
	assert.Equal(t, "#ff0000", rect1.Fill)

	// the origin receives its own echo
	envelopes := drain(sendA)
	assert.Equal(t, 2, len(envelopes))
	for _, envelope := range envelopes {
		assert.Equal(t, protocol.KindMutation, envelope.Kind)
	}
}

func TestAcceptDropsDuplicateSeq(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	room.Seed(clientA, seedDocument())

	m := patchMutation(clientA, 1, "rect1", &doc.Patch{Fill: strptr("#ff0000")})
	assert.Equal(t, true, room.Accept(m))

	// a re-issued copy of an already accepted mutation is applied exactly
	// once
	reissue := *m
	assert.Equal(t, false, room.Accept(&reissue))
	assert.Equal(t, int64(2), room.Version())

	// but the next sequence number is accepted
	m2 := patchMutation(clientA, 2, "rect1", &doc.Patch{Fill: strptr("#00ff00")})
	assert.Equal(t, true, room.Accept(m2))
	assert.Equal(t, int64(3), room.Version())
}

func TestAcceptDropsDanglingStructural(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	clientB := protocol.NewId()
	room.Seed(clientA, seedDocument())

	remove := &protocol.Mutation{
		MutationId: protocol.NewId(),
		ClientId:   clientA,
		Seq:        1,
		TargetId:   "rect1",
		Op:         protocol.OpRemove,
	}
	assert.Equal(t, true, room.Accept(remove))

	// the concurrent insert under the removed node loses and is dropped
	// whole
	insert := &protocol.Mutation{
		MutationId: protocol.NewId(),
		ClientId:   clientB,
		Seq:        1,
		TargetId:   "rect1",
		Op:         protocol.OpInsert,
		Insert: &protocol.InsertOp{
			Node: &doc.Node{Id: "rect2", Type: "rect"},
		},
	}
	assert.Equal(t, false, room.Accept(insert))
	assert.Equal(t, int64(2), room.Version())
	assert.Equal(t, nil, room.Snapshot().Document.Node("rect2"))
}

func TestAcceptInsertDoesNotAliasDocument(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	room.Seed(clientA, seedDocument())

	insert := &protocol.Mutation{
		MutationId: protocol.NewId(),
		ClientId:   clientA,
		Seq:        1,
		TargetId:   "root",
		Op:         protocol.OpInsert,
		Insert: &protocol.InsertOp{
			Node: &doc.Node{Id: "rect2", Type: "rect", Fill: "#ffffff", Attrs: map[string]string{"k": "v"}},
		},
	}
	assert.Equal(t, true, room.Accept(insert))

	// a later accept patches the document's copy, never the mutation's
	// node. The mutation can be encoded for broadcast after Accept returns
	// without reading document memory.
	assert.Equal(t, true, room.Accept(patchMutation(clientA, 2, "rect2", &doc.Patch{
		Fill:  strptr("#000000"),
		Attrs: map[string]string{"k": "w"},
	})))

	assert.Equal(t, "#ffffff", insert.Insert.Node.Fill)
	assert.Equal(t, "v", insert.Insert.Node.Attrs["k"])
	rect2 := room.Snapshot().Document.Node("rect2")
	assert.Equal(t, "#000000", rect2.Fill)
	assert.Equal(t, "w", rect2.Attrs["k"])
}

func TestForwardSkipsOrigin(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	clientB := protocol.NewId()
	sendA := make(chan []byte, 16)
	sendB := make(chan []byte, 16)
	room.Join(clientA, sendA)
	room.Join(clientB, sendB)
	room.Seed(clientA, seedDocument())
	drain(sendA)
	drain(sendB)

	envelope := protocol.RequireNewEnvelope(protocol.KindPresence, "room1", clientA, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 5, Y: 6},
	})
	room.Forward(envelope)

	assert.Equal(t, 0, len(drain(sendA)))
	received := drain(sendB)
	assert.Equal(t, 1, len(received))
	assert.Equal(t, protocol.KindPresence, received[0].Kind)
	assert.Equal(t, clientA, received[0].ClientId)
}

func TestLeaveNotifiesRoom(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	clientB := protocol.NewId()
	sendA := make(chan []byte, 16)
	sendB := make(chan []byte, 16)
	room.Join(clientA, sendA)
	room.Join(clientB, sendB)

	room.Leave(clientA)
	assert.Equal(t, 1, room.SubscriberCount())

	received := drain(sendB)
	assert.Equal(t, 1, len(received))
	assert.Equal(t, protocol.KindLeave, received[0].Kind)
	assert.Equal(t, clientA, received[0].ClientId)
}

func TestSnapshotCarriesAcceptedSeqs(t *testing.T) {
	room := NewRoom("room1")
	clientA := protocol.NewId()
	room.Seed(clientA, seedDocument())
	room.Accept(patchMutation(clientA, 1, "rect1", &doc.Patch{Fill: strptr("#ff0000")}))
	room.Accept(patchMutation(clientA, 2, "rect1", &doc.Patch{Fill: strptr("#00ff00")}))

	snapshot := room.Snapshot()
	assert.Equal(t, uint64(2), snapshot.AcceptedSeqs[clientA.String()])
}
