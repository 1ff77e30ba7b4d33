package connect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/protocol"
)

/*
Synchronizes a document with a room on a relay over one socket.

Session state machine:
    disconnected -> connecting -> open -> joined -> synced
closed and error are reachable from any state and schedule a reconnect
until the connector is stopped.

Local updates are buffered until the socket is open, the room is joined, and the
room snapshot has been applied. Flushing before the snapshot would broadcast the
empty state of a fresh client over existing room state.
*/

type Status int

const (
	StatusConnecting Status = iota + 1
	StatusOpen
	StatusClosed
	StatusError
)

func (self Status) String() string {
	switch self {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

type StatusFunction func(status Status)

type ConnectorSettings struct {
	Url         string
	RoomId      string
	Token       string
	ExtraParams map[string]string
	Protocols   []string

	SendSnapshotOnConnect bool

	// if empty, the id comes from `Identity` under `ClientIdScope`
	ClientId      string
	ClientIdScope string
	Identity      SessionIdentity

	// < 0 retries forever
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// wait for the room snapshot after joined before flushing anyway
	SnapshotWaitTimeout time.Duration
	// force close a socket that has not joined after this long
	ConnectingTimeout time.Duration

	// a snapshot within this many bytes of an empty document is treated as empty
	EmptySnapshotSlack int
	EmptySnapshotLen   func() int

	SocketFactory SocketFactory
	Clock         Clock
	OnStatus      StatusFunction
}

func DefaultConnectorSettings(url string, roomId string) *ConnectorSettings {
	return &ConnectorSettings{
		Url:                   url,
		RoomId:                roomId,
		SendSnapshotOnConnect: true,
		ClientIdScope:         fmt.Sprintf("crdtsync-clientId:%s", roomId),
		MaxRetries:            -1,
		InitialDelay:          500 * time.Millisecond,
		MaxDelay:              5 * time.Second,
		SnapshotWaitTimeout:   2 * time.Second,
		ConnectingTimeout:     3 * time.Second,
		EmptySnapshotSlack:    32,
		EmptySnapshotLen:      crdt.EmptySnapshotLen,
	}
}

type Connector struct {
	settings *ConnectorSettings
	clientId string

	stateLock sync.Mutex

	stopped    bool
	connecting bool
	status     Status

	// increments every time socket listeners are detached
	// events from an older generation are ignored
	generation uint64
	socket     Socket

	doc              crdt.Document
	unsubscribeLocal func()

	attempt           int
	reconnectTimer    Timer
	snapshotWaitTimer Timer
	connectingTimer   Timer

	joined          bool
	snapshotApplied bool
	seeded          bool

	pending [][]byte
}

func NewConnectorWithDefaults(url string, roomId string) *Connector {
	return NewConnector(DefaultConnectorSettings(url, roomId))
}

func NewConnector(settings *ConnectorSettings) *Connector {
	if settings.SocketFactory == nil {
		settings.SocketFactory = DefaultWsSocketFactory()
	}
	if settings.Clock == nil {
		settings.Clock = SystemClock()
	}
	if settings.Identity == nil {
		settings.Identity = DefaultSessionIdentity()
	}
	if settings.EmptySnapshotLen == nil {
		settings.EmptySnapshotLen = crdt.EmptySnapshotLen
	}
	clientId := settings.ClientId
	if clientId == "" {
		clientId = settings.Identity.GetOrCreateId(settings.ClientIdScope)
	}
	return &Connector{
		settings: settings,
		clientId: clientId,
	}
}

func (self *Connector) ClientId() string {
	return self.clientId
}

func (self *Connector) Status() Status {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// number of buffered local updates
func (self *Connector) Pending() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

// true once the room snapshot is settled and local updates are sent immediately
func (self *Connector) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.socket != nil && self.socket.ReadyState() == ReadyStateOpen && self.joined && self.snapshotApplied
}

// work collected under the state lock and run after it is released
// status callbacks and document imports may re-enter the connector
type outbox struct {
	statuses []Status
	after    []func()
}

func (self *outbox) run(onStatus StatusFunction) {
	if onStatus != nil {
		for _, status := range self.statuses {
			onStatus(status)
		}
	}
	for _, fn := range self.after {
		fn()
	}
}

func (self *Connector) locked(fn func(out *outbox)) {
	out := &outbox{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		fn(out)
	}()
	out.run(self.settings.OnStatus)
}

func (self *Connector) setStatus(out *outbox, status Status) {
	self.status = status
	out.statuses = append(out.statuses, status)
}

// Connect starts synchronizing `doc`. A connector may be connected again after `Disconnect`.
// Network failures never fail `Connect`; they are retried in the background.
func (self *Connector) Connect(ctx context.Context, doc crdt.Document) error {
	if doc == nil {
		return errors.New("connect requires a document")
	}
	if _, err := url.Parse(self.settings.Url); err != nil {
		return fmt.Errorf("bad url %s: %w", self.settings.Url, err)
	}

	self.locked(func(out *outbox) {
		self.stopped = false
		self.ensureLocalSubscription(doc)

		if self.socket != nil {
			switch self.socket.ReadyState() {
			case ReadyStateOpen, ReadyStateConnecting:
				// already listening
				return
			}
		}
		if self.connecting {
			return
		}
		if self.reconnectTimer != nil {
			self.reconnectTimer.Stop()
			self.reconnectTimer = nil
		}
		// a new session gets the full retry budget
		self.attempt = 0
		self.openSocket(out)
	})
	return nil
}

// Disconnect stops the connector and cancels all pending timers.
func (self *Connector) Disconnect(ctx context.Context) error {
	self.locked(func(out *outbox) {
		self.stopped = true
		self.connecting = false
		self.attempt = 0
		self.stopTimers()
		if self.reconnectTimer != nil {
			self.reconnectTimer.Stop()
			self.reconnectTimer = nil
		}
		if self.unsubscribeLocal != nil {
			self.unsubscribeLocal()
			self.unsubscribeLocal = nil
		}
		self.doc = nil
		self.resetSession()

		self.generation += 1
		if socket := self.socket; socket != nil {
			self.socket = nil
			out.after = append(out.after, func() {
				if err := socket.Close(); err != nil {
					glog.V(1).Infof("[c]close error = %s\n", err)
				}
			})
		}
		self.setStatus(out, StatusClosed)
	})
	return nil
}

func (self *Connector) resetSession() {
	self.joined = false
	self.snapshotApplied = false
	self.seeded = false
	self.pending = nil
}

func (self *Connector) stopTimers() {
	if self.snapshotWaitTimer != nil {
		self.snapshotWaitTimer.Stop()
		self.snapshotWaitTimer = nil
	}
	if self.connectingTimer != nil {
		self.connectingTimer.Stop()
		self.connectingTimer = nil
	}
}

// must be called with the state lock
func (self *Connector) ensureLocalSubscription(doc crdt.Document) {
	if self.doc != nil && self.doc != doc && self.unsubscribeLocal != nil {
		// never leak updates from a stale document
		self.unsubscribeLocal()
		self.unsubscribeLocal = nil
	}
	if self.unsubscribeLocal == nil || self.doc != doc {
		self.doc = doc
		self.unsubscribeLocal = doc.SubscribeLocalUpdates(func(update []byte) {
			self.onLocalUpdate(doc, update)
		})
	}
}

func (self *Connector) buildUrl() (string, error) {
	u, err := url.Parse(self.settings.Url)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("roomId", self.settings.RoomId)
	if self.settings.Token != "" {
		query.Set("token", self.settings.Token)
	}
	for key, value := range self.settings.ExtraParams {
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// must be called with the state lock
func (self *Connector) openSocket(out *outbox) {
	self.connecting = true
	self.setStatus(out, StatusConnecting)

	socketUrl, err := self.buildUrl()
	if err != nil {
		glog.Infof("[c]url error = %s\n", err)
		self.connecting = false
		self.setStatus(out, StatusError)
		self.scheduleReconnect(out)
		return
	}

	self.generation += 1
	generation := self.generation
	listener := &socketListener{
		connector:  self,
		generation: generation,
	}
	socket, err := self.settings.SocketFactory(socketUrl, self.settings.Protocols, listener)
	if err != nil {
		glog.Infof("[c]socket error = %s\n", err)
		self.connecting = false
		self.setStatus(out, StatusError)
		self.scheduleReconnect(out)
		return
	}
	self.socket = socket
	glog.V(1).Infof("[c]connecting %s (%s)\n", self.settings.RoomId, self.clientId)

	// if the socket stays connecting too long, force the close/retry path
	if self.connectingTimer != nil {
		self.connectingTimer.Stop()
	}
	self.connectingTimer = self.settings.Clock.AfterFunc(self.settings.ConnectingTimeout, func() {
		self.locked(func(out *outbox) {
			if generation != self.generation || self.socket != socket {
				return
			}
			self.connectingTimer = nil
			if socket.ReadyState() == ReadyStateConnecting && !self.joined {
				glog.Infof("[c]still connecting after %s; retrying\n", self.settings.ConnectingTimeout)
				out.after = append(out.after, func() {
					socket.Close()
				})
			}
		})
	})
}

// must be called with the state lock
func (self *Connector) scheduleReconnect(out *outbox) {
	if self.stopped || self.reconnectTimer != nil || self.connecting {
		return
	}
	if 0 <= self.settings.MaxRetries && self.settings.MaxRetries <= self.attempt {
		glog.Infof("[c]max retries (%d) exceeded\n", self.settings.MaxRetries)
		self.setStatus(out, StatusClosed)
		return
	}
	delay := ReconnectDelay(self.attempt, self.settings.InitialDelay, self.settings.MaxDelay)
	self.attempt += 1
	glog.V(1).Infof("[c]reconnect in %s (attempt %d)\n", delay, self.attempt)
	self.reconnectTimer = self.settings.Clock.AfterFunc(delay, func() {
		self.locked(func(out *outbox) {
			self.reconnectTimer = nil
			if self.stopped || self.connecting {
				return
			}
			self.openSocket(out)
		})
	})
}

// must be called with the state lock
func (self *Connector) send(messageType MessageType, message []byte) bool {
	if self.socket == nil || self.socket.ReadyState() != ReadyStateOpen {
		return false
	}
	if err := self.socket.Send(messageType, message); err != nil {
		// the socket will close and take the retry path
		glog.Infof("[c]send error = %s\n", err)
		return false
	}
	return true
}

// must be called with the state lock
func (self *Connector) sendControl(message *protocol.Message) bool {
	b, err := message.Encode()
	if err != nil {
		glog.Infof("[c]encode %s error = %s\n", message.Type, err)
		return false
	}
	return self.send(TextMessage, b)
}

// must be called with the state lock
func (self *Connector) sendSnapshot() {
	if self.doc == nil {
		return
	}
	self.sendControl(protocol.NewSnapshot(self.settings.RoomId, self.doc.Snapshot()))
}

// must be called with the state lock
func (self *Connector) flush() {
	pending := self.pending
	self.pending = nil
	for i, update := range pending {
		if !self.send(BinaryMessage, update) {
			// keep the remainder in order. a close will clear it.
			self.pending = append(pending[i:], self.pending...)
			return
		}
	}
	if 0 < len(pending) {
		glog.V(1).Infof("[c]flushed %d updates\n", len(pending))
	}
}

func (self *Connector) onLocalUpdate(doc crdt.Document, update []byte) {
	self.locked(func(out *outbox) {
		if self.doc != doc {
			return
		}
		if self.socket == nil || self.socket.ReadyState() != ReadyStateOpen || !self.joined || !self.snapshotApplied {
			self.pending = append(self.pending, update)
			return
		}
		if !self.send(BinaryMessage, update) {
			self.pending = append(self.pending, update)
		}
	})
}

func (self *Connector) onOpen(generation uint64) {
	self.locked(func(out *outbox) {
		if generation != self.generation {
			return
		}
		self.attempt = 0
		self.connecting = false
		self.joined = false
		self.snapshotApplied = false
		self.seeded = false
		if self.snapshotWaitTimer != nil {
			self.snapshotWaitTimer.Stop()
			self.snapshotWaitTimer = nil
		}
		self.setStatus(out, StatusOpen)
		glog.V(1).Infof("[c]open %s (%s)\n", self.settings.RoomId, self.clientId)

		self.sendControl(protocol.NewJoin(self.settings.RoomId, self.clientId))
		if self.settings.SendSnapshotOnConnect {
			self.sendSnapshot()
		}
		if self.doc != nil {
			self.ensureLocalSubscription(self.doc)
		}
	})
}

func (self *Connector) onMessage(generation uint64, messageType MessageType, message []byte) {
	switch messageType {
	case BinaryMessage:
		self.onBinary(generation, message)
	case TextMessage:
		self.onText(generation, message)
	}
}

func (self *Connector) onBinary(generation uint64, update []byte) {
	var doc crdt.Document
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if generation == self.generation {
			doc = self.doc
		}
	}()
	if doc == nil || len(update) == 0 {
		return
	}
	if err := doc.Import(update); err != nil {
		glog.Infof("[c]import update error = %s\n", err)
	}
}

func (self *Connector) onText(generation uint64, frame []byte) {
	message, err := protocol.Decode(frame)
	if err != nil {
		// drop the message, keep the socket
		glog.Infof("[c]drop message: %s\n", err)
		return
	}

	switch message.Type {
	case protocol.MessageTypeJoined:
		self.onJoined(generation)
	case protocol.MessageTypeSnapshot:
		snapshot, err := message.SnapshotBytes()
		if err != nil {
			glog.Infof("[c]drop snapshot: %s\n", err)
			return
		}
		self.onSnapshot(generation, snapshot)
	case protocol.MessageTypeError:
		glog.Infof("[c]relay error: %s\n", message.Error)
	default:
		glog.V(2).Infof("[c]ignore %s\n", message.Type)
	}
}

func (self *Connector) onJoined(generation uint64) {
	self.locked(func(out *outbox) {
		if generation != self.generation {
			return
		}
		self.joined = true
		if self.connectingTimer != nil {
			self.connectingTimer.Stop()
			self.connectingTimer = nil
		}
		glog.V(1).Infof("[c]joined %s\n", self.settings.RoomId)

		if self.snapshotApplied {
			// the room snapshot arrived first
			self.flush()
			return
		}
		// do not flush yet. the room snapshot follows.
		if self.snapshotWaitTimer != nil {
			self.snapshotWaitTimer.Stop()
		}
		self.snapshotWaitTimer = self.settings.Clock.AfterFunc(self.settings.SnapshotWaitTimeout, func() {
			self.locked(func(out *outbox) {
				if generation != self.generation || self.snapshotApplied {
					return
				}
				self.snapshotWaitTimer = nil
				if self.socket == nil || self.socket.ReadyState() != ReadyStateOpen {
					return
				}
				glog.Infof("[c]no snapshot after %s; flushing\n", self.settings.SnapshotWaitTimeout)
				self.snapshotApplied = true
				self.flush()
			})
		})
	})
}

func (self *Connector) onSnapshot(generation uint64, snapshot []byte) {
	var doc crdt.Document
	self.locked(func(out *outbox) {
		if generation != self.generation || self.doc == nil {
			return
		}

		emptyLen := self.settings.EmptySnapshotLen()
		slack := self.settings.EmptySnapshotSlack
		remoteLooksEmpty := len(snapshot) <= emptyLen+slack
		localNonEmpty := emptyLen+slack < len(self.doc.Snapshot())

		if remoteLooksEmpty && localNonEmpty && !self.seeded && self.socket != nil && self.socket.ReadyState() == ReadyStateOpen {
			// importing would wipe local state. seed the room once instead.
			glog.V(1).Infof("[c]room %s is empty; seeding\n", self.settings.RoomId)
			self.seeded = true
			self.sendSnapshot()
			self.settle()
			return
		}
		doc = self.doc
	})
	if doc == nil {
		return
	}

	if err := doc.Import(snapshot); err != nil {
		// leave the wait timer to settle
		glog.Infof("[c]import snapshot error = %s\n", err)
		return
	}

	self.locked(func(out *outbox) {
		if generation != self.generation || self.snapshotApplied {
			return
		}
		self.settle()
	})
}

// must be called with the state lock
func (self *Connector) settle() {
	self.snapshotApplied = true
	if self.snapshotWaitTimer != nil {
		self.snapshotWaitTimer.Stop()
		self.snapshotWaitTimer = nil
	}
	// base state is in place. send what was buffered during join.
	// before joined the buffer waits for `onJoined`.
	if self.joined {
		self.flush()
	}
}

func (self *Connector) onSocketDown(generation uint64, status Status, err error) {
	self.locked(func(out *outbox) {
		if generation != self.generation {
			return
		}
		glog.Infof("[c]%s %s (pending=%d joined=%t) = %v\n", status, self.settings.RoomId, len(self.pending), self.joined, err)
		self.connecting = false
		self.setStatus(out, status)
		self.stopTimers()
		// updates buffered against a dead session are stale.
		// the next join re-establishes base state before anything is sent.
		self.resetSession()
		// detach listeners
		self.generation += 1
		self.socket = nil
		self.scheduleReconnect(out)
	})
}

// binds socket events to one connector generation
type socketListener struct {
	connector  *Connector
	generation uint64
}

func (self *socketListener) OnOpen() {
	self.connector.onOpen(self.generation)
}

func (self *socketListener) OnMessage(messageType MessageType, message []byte) {
	self.connector.onMessage(self.generation, messageType, message)
}

func (self *socketListener) OnError(err error) {
	self.connector.onSocketDown(self.generation, StatusError, err)
}

func (self *socketListener) OnClose(err error) {
	self.connector.onSocketDown(self.generation, StatusClosed, err)
}
