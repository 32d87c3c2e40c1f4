package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/canvaslink/canvaslink/protocol"
)

type AuthoritySettings struct {
	HelloTimeout   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultAuthoritySettings() *AuthoritySettings {
	return &AuthoritySettings{
		HelloTimeout:   2 * time.Second,
		PingTimeout:    1 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 64,
	}
}

type Authority struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *AuthoritySettings

	mutex sync.Mutex
	rooms map[string]*Room

	upgrader *websocket.Upgrader
}

func NewAuthorityWithDefaults(ctx context.Context) *Authority {
	return NewAuthority(ctx, DefaultAuthoritySettings())
}

func NewAuthority(ctx context.Context, settings *AuthoritySettings) *Authority {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Authority{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		rooms:    map[string]*Room{},
		upgrader: &websocket.Upgrader{
			// auth happens in the hello envelope, not at upgrade
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Authority) Room(roomId string) *Room {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	room := self.rooms[roomId]
	if room == nil {
		room = NewRoom(roomId)
		self.rooms[roomId] = room
	}
	return room
}

// Router exposes the realtime websocket endpoint and the small non-realtime
// surface used by external consumers: health, and point-in-time snapshot
// export for the proposal/review workflow.
func (self *Authority) Router() http.Handler {
	router := chi.NewRouter()
	router.Get("/status/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.Get("/rooms/{roomId}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		roomId := chi.URLParam(r, "roomId")
		self.mutex.Lock()
		room := self.rooms[roomId]
		self.mutex.Unlock()
		if room == nil {
			http.Error(w, "unknown room", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(room.Snapshot())
	})
	router.Get("/ws", self.handleWs)
	return router
}

func (self *Authority) Close() {
	self.cancel()
}

func (self *Authority) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[a]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	// handshake: hello in, ack (or terminal error) out
	ws.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage {
		return
	}
	helloEnvelope, err := protocol.DecodeEnvelope(message)
	if err != nil || helloEnvelope.Kind != protocol.KindHello {
		return
	}
	hello, err := protocol.DecodePayload[protocol.Hello](helloEnvelope)
	if err != nil {
		return
	}
	roomId := helloEnvelope.RoomId

	byJwt, err := protocol.ParseByJwtUnverified(hello.ByJwt)
	if err != nil {
		glog.Infof("[a]%s reject credential = %s\n", roomId, err)
		self.writeEnvelope(ws, protocol.RequireNewEnvelope(
			protocol.KindError,
			roomId,
			protocol.Id{},
			&protocol.ErrorPayload{
				Code:    protocol.ErrorCodeAuthRejected,
				Message: "credential rejected",
			},
		))
		return
	}
	// claims win over the self-declared fields when present
	if byJwt.UserId != "" {
		hello.UserId = byJwt.UserId
	}
	if byJwt.DisplayName != "" {
		hello.DisplayName = byJwt.DisplayName
	}

	// the authority assigns the client id to prevent collisions
	clientId := protocol.NewId()
	if ok := self.writeEnvelope(ws, protocol.RequireNewEnvelope(
		protocol.KindAck,
		roomId,
		clientId,
		&protocol.HandshakeAck{
			ClientId: clientId,
		},
	)); !ok {
		return
	}

	glog.V(2).Infof("[a]%s join %s (%s)\n", roomId, clientId, hello.UserId)

	room := self.Room(roomId)
	send := make(chan []byte, self.settings.SendBufferSize)
	snapshotEnvelope := room.Join(clientId, send)
	defer room.Leave(clientId)

	snapshotBytes, err := protocol.EncodeEnvelope(snapshotEnvelope)
	if err != nil {
		return
	}
	select {
	case send <- snapshotBytes:
	default:
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case envelopeBytes, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, envelopeBytes); err != nil {
					glog.Infof("[as]%s-> error = %s\n", clientId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ar]%s<- error = %s\n", clientId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}

		envelope, err := protocol.DecodeEnvelope(message)
		if err != nil {
			// protocol error. drop the message, keep the connection
			glog.Infof("[ar]%s bad envelope = %s\n", clientId, err)
			continue
		}

		switch envelope.Kind {
		case protocol.KindMutation:
			m, err := protocol.DecodePayload[protocol.Mutation](envelope)
			if err != nil {
				glog.Infof("[ar]%s bad mutation = %s\n", clientId, err)
				continue
			}
			room.Accept(m)
		case protocol.KindPresence:
			// stamp the assigned id so presence cannot be spoofed
			envelope.ClientId = clientId
			room.Forward(envelope)
		case protocol.KindSeed:
			seed, err := protocol.DecodePayload[protocol.Seed](envelope)
			if err != nil || seed.Document == nil {
				glog.Infof("[ar]%s bad seed\n", clientId)
				continue
			}
			if !room.Seed(clientId, seed.Document) {
				// already seeded. answer with the current truth
				if envelopeBytes, err := protocol.EncodeEnvelope(room.SnapshotEnvelope(clientId)); err == nil {
					select {
					case send <- envelopeBytes:
					default:
					}
				}
			}
		case protocol.KindSnapshot:
			// forced resync request
			if envelopeBytes, err := protocol.EncodeEnvelope(room.SnapshotEnvelope(clientId)); err == nil {
				select {
				case send <- envelopeBytes:
				default:
				}
			}
		default:
			glog.Infof("[ar]%s drop unknown kind %s\n", clientId, envelope.Kind)
		}
	}
}

func (self *Authority) writeEnvelope(ws *websocket.Conn, envelope *protocol.Envelope) bool {
	envelopeBytes, err := protocol.EncodeEnvelope(envelope)
	if err != nil {
		return false
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, envelopeBytes); err != nil {
		return false
	}
	return true
}
