package link

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/canvaslink/canvaslink/protocol"
)

// a presence channel without its send loop, for exercising the inbound
// rules directly
func newDetachedPresence(conn *Connection) *PresenceChannel {
	return &PresenceChannel{
		conn:   conn,
		roomId: "room1",
		auth: &ClientAuth{
			UserId:      "user-local",
			DisplayName: "Local",
		},
		settings:      DefaultPresenceSettings(),
		collaborators: map[protocol.Id]*Collaborator{},
	}
}

func presenceEnvelope(clientId protocol.Id, timestamp int64, payload *protocol.Presence) *protocol.Envelope {
	envelope := protocol.RequireNewEnvelope(protocol.KindPresence, "room1", clientId, payload)
	envelope.Timestamp = timestamp
	return envelope
}

func TestPresenceFreshnessMonotonicity(t *testing.T) {
	presence := newDetachedPresence(newDetachedConnection())
	remoteId := protocol.NewId()

	// u1 at t=10
	presence.handlePresence(presenceEnvelope(remoteId, 10, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 100, Y: 100},
	}))
	// u2 at t=5 delivered after u1 must not overwrite it
	presence.handlePresence(presenceEnvelope(remoteId, 5, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 1, Y: 1},
	}))

	collaborators := presence.Collaborators()
	assert.Equal(t, 1, len(collaborators))
	assert.Equal(t, float64(100), collaborators[remoteId].Cursor.X)

	// a fresher update still lands
	presence.handlePresence(presenceEnvelope(remoteId, 20, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 7, Y: 8},
	}))
	assert.Equal(t, float64(7), presence.Collaborators()[remoteId].Cursor.X)
}

func TestPresencePartialUpdateKeepsPriorFields(t *testing.T) {
	presence := newDetachedPresence(newDetachedConnection())
	remoteId := protocol.NewId()

	presence.handlePresence(presenceEnvelope(remoteId, 10, &protocol.Presence{
		DisplayName: "Ada",
		Cursor:      &protocol.Cursor{X: 3, Y: 4},
	}))
	// selection-only update leaves the cursor in place
	presence.handlePresence(presenceEnvelope(remoteId, 11, &protocol.Presence{
		Selection: []string{"rect1"},
	}))

	collaborator := presence.Collaborators()[remoteId]
	assert.Equal(t, "Ada", collaborator.DisplayName)
	assert.Equal(t, float64(3), collaborator.Cursor.X)
	assert.Equal(t, []string{"rect1"}, collaborator.Selection)
}

func TestPresenceSelfEchoSuppressed(t *testing.T) {
	conn := newDetachedConnection()
	conn.clientId = protocol.NewId()
	presence := newDetachedPresence(conn)

	presence.handlePresence(presenceEnvelope(conn.clientId, 10, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 1, Y: 2},
	}))
	assert.Equal(t, 0, len(presence.Collaborators()))
}

func TestStalenessEviction(t *testing.T) {
	presence := newDetachedPresence(newDetachedConnection())
	presence.settings = &PresenceSettings{
		SendInterval:     50 * time.Millisecond,
		StalenessTimeout: 20 * time.Millisecond,
		SweepInterval:    5 * time.Millisecond,
	}
	staleId := protocol.NewId()
	freshId := protocol.NewId()

	presence.handlePresence(presenceEnvelope(staleId, 10, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 1, Y: 1},
	}))
	time.Sleep(30 * time.Millisecond)
	presence.handlePresence(presenceEnvelope(freshId, 11, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 2, Y: 2},
	}))

	presence.sweep()
	collaborators := presence.Collaborators()
	assert.Equal(t, 1, len(collaborators))
	assert.Equal(t, nil, collaborators[staleId])
	assert.NotEqual(t, nil, collaborators[freshId])
}

func TestLeaveRemovesImmediately(t *testing.T) {
	presence := newDetachedPresence(newDetachedConnection())
	remoteId := protocol.NewId()

	presence.handlePresence(presenceEnvelope(remoteId, 10, &protocol.Presence{
		Cursor: &protocol.Cursor{X: 1, Y: 1},
	}))
	assert.Equal(t, 1, len(presence.Collaborators()))

	presence.handleLeave(protocol.RequireNewEnvelope(protocol.KindLeave, "room1", remoteId, nil))
	assert.Equal(t, 0, len(presence.Collaborators()))
}

func TestCollaboratorsSnapshotIsACopy(t *testing.T) {
	presence := newDetachedPresence(newDetachedConnection())
	remoteId := protocol.NewId()

	presence.handlePresence(presenceEnvelope(remoteId, 10, &protocol.Presence{
		Cursor:    &protocol.Cursor{X: 1, Y: 1},
		Selection: []string{"rect1"},
	}))

	collaborators := presence.Collaborators()
	collaborators[remoteId].Cursor.X = 999
	collaborators[remoteId].Selection[0] = "mutated"

	collaborator := presence.Collaborators()[remoteId]
	assert.Equal(t, float64(1), collaborator.Cursor.X)
	assert.Equal(t, "rect1", collaborator.Selection[0])
}

func TestMalformedPresenceDroppedSilently(t *testing.T) {
	presence := newDetachedPresence(newDetachedConnection())
	remoteId := protocol.NewId()

	envelope := &protocol.Envelope{
		Kind:      protocol.KindPresence,
		RoomId:    "room1",
		ClientId:  remoteId,
		Payload:   []byte("{broken"),
		Timestamp: 10,
	}
	presence.handlePresence(envelope)
	assert.Equal(t, 0, len(presence.Collaborators()))
}
