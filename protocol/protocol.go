// Package protocol defines the wire envelope exchanged between canvas
// clients and the coordinating authority. Envelopes are JSON-encoded binary
// websocket messages. An empty binary message is a transport-level ping and
// never reaches this package.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/canvaslink/canvaslink/doc"
)

type MessageKind string

const (
	// client -> authority. room join request with credentials.
	KindHello MessageKind = "hello"
	// authority -> client. handshake accepted, client id assigned.
	KindAck MessageKind = "ack"
	// authority -> client: full authoritative document.
	// client -> authority with an empty payload: forced resync request.
	KindSnapshot MessageKind = "snapshot"
	// client -> authority. bootstrap document for an empty room.
	KindSeed MessageKind = "seed"
	// both directions. one durable document mutation.
	KindMutation MessageKind = "mutation"
	// both directions. ephemeral cursor/selection state.
	KindPresence MessageKind = "presence"
	// authority -> client. a collaborator disconnected cleanly.
	KindLeave MessageKind = "leave"
	// authority -> client. protocol or authorization failure.
	KindError MessageKind = "error"
)

const (
	ErrorCodeAuthRejected = "auth_rejected"
	ErrorCodeBadEnvelope  = "bad_envelope"
	ErrorCodeUnknownRoom  = "unknown_room"
)

type Envelope struct {
	Kind      MessageKind     `json:"kind"`
	RoomId    string          `json:"roomId"`
	ClientId  Id              `json:"clientId"`
	Version   int64           `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// hello payload. ByJwt carries the authorization credential; user id and
// display name travel both as claims and as explicit fields so that the
// authority can operate on unverified tokens behind a trusted edge.
type Hello struct {
	UserId      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ByJwt       string `json:"byJwt"`
}

type HandshakeAck struct {
	ClientId Id `json:"clientId"`
}

type Snapshot struct {
	Document *doc.Document `json:"document,omitempty"`
	Version  int64         `json:"version"`
	// true when the room has no authoritative state yet and the client
	// should seed it from its bootstrap supplier
	Empty bool `json:"empty,omitempty"`
	// last accepted mutation sequence number per client id, used by a
	// reconnecting client to re-issue unacknowledged mutations exactly once
	AcceptedSeqs map[string]uint64 `json:"acceptedSeqs,omitempty"`
}

type Seed struct {
	Document *doc.Document `json:"document"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Presence struct {
	UserId      string   `json:"userId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Cursor      *Cursor  `json:"cursor,omitempty"`
	Selection   []string `json:"selection,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewEnvelope(kind MessageKind, roomId string, clientId Id, payload any) (*Envelope, error) {
	envelope := &Envelope{
		Kind:      kind,
		RoomId:    roomId,
		ClientId:  clientId,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = payloadBytes
	}
	return envelope, nil
}

func RequireNewEnvelope(kind MessageKind, roomId string, clientId Id, payload any) *Envelope {
	envelope, err := NewEnvelope(kind, roomId, clientId, payload)
	if err != nil {
		panic(err)
	}
	return envelope
}

func EncodeEnvelope(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeEnvelope(envelopeBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(envelopeBytes, envelope); err != nil {
		return nil, err
	}
	if envelope.Kind == "" {
		return nil, fmt.Errorf("missing envelope kind")
	}
	return envelope, nil
}

func DecodePayload[P any](envelope *Envelope) (*P, error) {
	payload := new(P)
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("%s: missing payload", envelope.Kind)
	}
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		return nil, fmt.Errorf("%s: %s", envelope.Kind, err)
	}
	return payload, nil
}
