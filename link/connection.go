package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/canvaslink/canvaslink/protocol"
)

var ErrAuthRejected = errors.New("authorization rejected")

type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateOpen         ConnectionState = "open"
	ConnectionStateSyncing      ConnectionState = "syncing"
	ConnectionStateSynced       ConnectionState = "synced"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateError        ConnectionState = "error"
	ConnectionStateClosed       ConnectionState = "closed"
)

type StateChangeFunction func(state ConnectionState)

type ConnectionSettings struct {
	WsHandshakeTimeout  time.Duration
	HelloTimeout        time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendTimeout         time.Duration
	SendBufferSize      int
	ReceiveBufferSize   int
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:  2 * time.Second,
		HelloTimeout:        2 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		SendTimeout:         5 * time.Second,
		SendBufferSize:      32,
		ReceiveBufferSize:   32,
		ReconnectMinTimeout: 200 * time.Millisecond,
		ReconnectMaxTimeout: 15 * time.Second,
	}
}

type ClientAuth struct {
	ByJwt       string
	UserId      string
	DisplayName string
}

// Connection owns the one logical connection for a (room, client) pair:
// dial, handshake, heartbeat, failure detection and backoff reconnection.
// Envelopes received while connected are delivered in receipt order on
// Receive(); no ordering is guaranteed across a reconnect boundary.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	roomId   string
	auth     *ClientAuth
	settings *ConnectionSettings

	receive chan *protocol.Envelope

	backoff  *reconnectBackoff
	retryNow chan struct{}

	stateMutex  sync.Mutex
	state       ConnectionState
	lastError   error
	clientId    protocol.Id
	activeSend  chan []byte
	dropCurrent context.CancelFunc

	stateCallbacks *callbackList[StateChangeFunction]
}

func NewConnectionWithDefaults(
	ctx context.Context,
	endpoint string,
	roomId string,
	auth *ClientAuth,
) *Connection {
	return NewConnection(ctx, endpoint, roomId, auth, DefaultConnectionSettings())
}

func NewConnection(
	ctx context.Context,
	endpoint string,
	roomId string,
	auth *ClientAuth,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:            cancelCtx,
		cancel:         cancel,
		endpoint:       endpoint,
		roomId:         roomId,
		auth:           auth,
		settings:       settings,
		receive:        make(chan *protocol.Envelope, settings.ReceiveBufferSize),
		backoff:        newReconnectBackoff(settings.ReconnectMinTimeout, settings.ReconnectMaxTimeout),
		retryNow:       make(chan struct{}, 1),
		state:          ConnectionStateConnecting,
		stateCallbacks: newCallbackList[StateChangeFunction](),
	}
	go connection.run()
	return connection
}

func (self *Connection) run() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		self.setState(ConnectionStateConnecting, nil)

		ws, err := self.dialAndJoin()
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				// retrying with the same credentials cannot succeed
				self.setState(ConnectionStateError, err)
				return
			}
			glog.Infof("[c]connect %s error = %s\n", self.roomId, err)
			self.setState(ConnectionStateDisconnected, err)
			if !self.waitForRetry() {
				return
			}
			continue
		}

		self.backoff.Reset()
		self.runConnection(ws)

		if self.ctx.Err() != nil {
			return
		}
		self.setState(ConnectionStateDisconnected, self.LastError())
		if !self.waitForRetry() {
			return
		}
	}
}

// dialAndJoin establishes the websocket and performs the hello/ack
// handshake. The authority assigns the client id in the ack.
func (self *Connection) dialAndJoin() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.endpoint, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	self.setState(ConnectionStateOpen, nil)

	helloEnvelope, err := protocol.NewEnvelope(
		protocol.KindHello,
		self.roomId,
		protocol.Id{},
		&protocol.Hello{
			UserId:      self.auth.UserId,
			DisplayName: self.auth.DisplayName,
			ByJwt:       self.auth.ByJwt,
		},
	)
	if err != nil {
		return nil, err
	}
	helloBytes, err := protocol.EncodeEnvelope(helloEnvelope)
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.HelloTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, helloBytes); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.HelloTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("handshake response error")
	}
	envelope, err := protocol.DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}
	switch envelope.Kind {
	case protocol.KindAck:
		ack, err := protocol.DecodePayload[protocol.HandshakeAck](envelope)
		if err != nil {
			return nil, err
		}
		self.stateMutex.Lock()
		self.clientId = ack.ClientId
		self.stateMutex.Unlock()
	case protocol.KindError:
		errorPayload, err := protocol.DecodePayload[protocol.ErrorPayload](envelope)
		if err != nil {
			return nil, err
		}
		if errorPayload.Code == protocol.ErrorCodeAuthRejected {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, errorPayload.Message)
		}
		return nil, fmt.Errorf("handshake refused: %s", errorPayload.Code)
	default:
		return nil, fmt.Errorf("handshake response error: %s", envelope.Kind)
	}

	self.setState(ConnectionStateSyncing, nil)

	success = true
	return ws, nil
}

// runConnection pumps one physical connection until it drops or the
// connection is closed or force-reconnected.
func (self *Connection) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateMutex.Lock()
	self.activeSend = send
	self.dropCurrent = handleCancel
	self.stateMutex.Unlock()

	defer func() {
		self.stateMutex.Lock()
		self.activeSend = nil
		self.dropCurrent = nil
		self.stateMutex.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", self.roomId, err)
					return
				}
				glog.V(2).Infof("[cs]%s->\n", self.roomId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[cr]%s<- error = %s\n", self.roomId, err)
				self.setLastError(err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if len(message) == 0 {
					// ping
					glog.V(2).Infof("[cr]ping %s<-\n", self.roomId)
					continue
				}

				envelope, err := protocol.DecodeEnvelope(message)
				if err != nil {
					// protocol error. drop the message, keep the connection
					glog.Infof("[cr]bad envelope %s<- = %s\n", self.roomId, err)
					continue
				}

				select {
				case <-handleCtx.Done():
					return
				case self.receive <- envelope:
					glog.V(2).Infof("[cr]%s %s<-\n", envelope.Kind, self.roomId)
				case <-time.After(self.settings.ReadTimeout):
					glog.Infof("[cr]drop %s %s<-\n", envelope.Kind, self.roomId)
				}
			default:
				glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, self.roomId)
			}
		}
	}()

	<-handleCtx.Done()
}

// waitForRetry blocks for the backoff delay. Returns false when the
// connection was closed while waiting.
func (self *Connection) waitForRetry() bool {
	select {
	case <-self.ctx.Done():
		return false
	case <-self.retryNow:
		return true
	case <-time.After(self.backoff.NextTimeout()):
		return true
	}
}

// Receive exposes the ordered inbound envelope stream. The channel stays
// open across reconnects and closes only when the connection is closed.
func (self *Connection) Receive() <-chan *protocol.Envelope {
	return self.receive
}

// Send encodes and enqueues one envelope on the current physical
// connection. Delivery is best effort: while disconnected the envelope is
// dropped and false is returned.
func (self *Connection) Send(envelope *protocol.Envelope) bool {
	envelopeBytes, err := protocol.EncodeEnvelope(envelope)
	if err != nil {
		glog.Infof("[cs]encode %s error = %s\n", self.roomId, err)
		return false
	}

	self.stateMutex.Lock()
	send := self.activeSend
	self.stateMutex.Unlock()
	if send == nil {
		glog.V(2).Infof("[cs]drop %s %s (not connected)\n", envelope.Kind, self.roomId)
		return false
	}

	select {
	case <-self.ctx.Done():
		return false
	case send <- envelopeBytes:
		return true
	case <-time.After(self.settings.SendTimeout):
		glog.Infof("[cs]drop %s %s (backpressure)\n", envelope.Kind, self.roomId)
		return false
	}
}

func (self *Connection) State() ConnectionState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *Connection) LastError() error {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.lastError
}

func (self *Connection) RetryCount() int {
	return self.backoff.RetryCount()
}

// LocalClientId is the authority-assigned identifier for this connection.
// Zero until the first handshake completes.
func (self *Connection) LocalClientId() protocol.Id {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.clientId
}

func (self *Connection) AddStateChangeCallback(callback StateChangeFunction) func() {
	return self.stateCallbacks.add(callback)
}

// markSynced records receipt of the first authoritative snapshot for the
// current physical connection.
func (self *Connection) markSynced() {
	self.stateMutex.Lock()
	if self.state != ConnectionStateSyncing {
		self.stateMutex.Unlock()
		return
	}
	self.state = ConnectionStateSynced
	self.stateMutex.Unlock()
	for _, callback := range self.stateCallbacks.get() {
		callback(ConnectionStateSynced)
	}
}

func (self *Connection) setLastError(err error) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.lastError = err
}

func (self *Connection) setState(state ConnectionState, err error) {
	self.stateMutex.Lock()
	if self.state == ConnectionStateClosed {
		self.stateMutex.Unlock()
		return
	}
	self.state = state
	if err != nil {
		self.lastError = err
	}
	self.stateMutex.Unlock()
	for _, callback := range self.stateCallbacks.get() {
		callback(state)
	}
}

// Reconnect drops the current physical connection if any, resets the
// backoff counter and retries immediately.
func (self *Connection) Reconnect() {
	self.backoff.Reset()

	self.stateMutex.Lock()
	dropCurrent := self.dropCurrent
	self.stateMutex.Unlock()
	if dropCurrent != nil {
		dropCurrent()
	}

	select {
	case self.retryNow <- struct{}{}:
	default:
	}
}

// Close tears down the connection and stops all retry timers. Terminal.
func (self *Connection) Close() {
	self.setState(ConnectionStateClosed, nil)
	self.cancel()
}
