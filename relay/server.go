package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/protocol"
	"github.com/bringyour/crdtsync/storage"
)

/*
A websocket relay for crdt rooms.

A client joins a room with a `join` control message and receives `joined` followed
by the room `snapshot`. Binary frames are crdt updates: they are merged into the room
document and forwarded unchanged to every other member. A client `snapshot` seeds
the room only when client snapshots are allowed and the room is still empty.
*/

type ServerSettings struct {
	AllowClientSnapshots bool
	// a room snapshot within this many bytes of an empty document is empty
	EmptySnapshotSlack int

	// a shared connection token. empty accepts every connection.
	AuthToken string

	SaveDebounce   time.Duration
	StorageTimeout time.Duration

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// max size of one frame
	ReadLimit int64
	// frames queued per connection before it is dropped as too slow
	SendBufferSize int
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AllowClientSnapshots: false,
		EmptySnapshotSlack:   64,
		SaveDebounce:         500 * time.Millisecond,
		StorageTimeout:       5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		ReadLimit:            32 * 1024 * 1024,
		SendBufferSize:       256,
	}
}

type ServerStats struct {
	Connections    int
	Rooms          int
	FramesReceived int64
	FramesSent     int64
}

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings
	rooms    storage.RoomStorage
	emptyLen int

	upgrader websocket.Upgrader

	stateLock   sync.Mutex
	activeRooms map[string]*room
	conns       map[*conn]bool

	framesReceived atomic.Int64
	framesSent     atomic.Int64
}

func NewServerWithDefaults(ctx context.Context, rooms storage.RoomStorage) *Server {
	return NewServer(ctx, rooms, DefaultServerSettings())
}

// `rooms` may be nil for a memory-only relay
func NewServer(ctx context.Context, rooms storage.RoomStorage, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		rooms:    rooms,
		emptyLen: crdt.EmptySnapshotLen() + settings.EmptySnapshotSlack,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		activeRooms: map[string]*room{},
		conns:       map[*conn]bool{},
	}
}

func (self *Server) Stats() ServerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return ServerStats{
		Connections:    len(self.conns),
		Rooms:          len(self.activeRooms),
		FramesReceived: self.framesReceived.Load(),
		FramesSent:     self.framesSent.Load(),
	}
}

// RoomSnapshot is the current document of an active room.
func (self *Server) RoomSnapshot(roomId string) ([]byte, bool) {
	self.stateLock.Lock()
	r, ok := self.activeRooms[roomId]
	self.stateLock.Unlock()
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

func (self *Server) room(roomId string) *room {
	return self.joinRoom(roomId, nil)
}

// gets or creates the room and adds `c` as a member in one step, so that an
// eviction cannot drop the room between lookup and join
func (self *Server) joinRoom(roomId string, c *conn) *room {
	r := func() *room {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		r, ok := self.activeRooms[roomId]
		if !ok {
			r = newRoom(roomId)
			self.activeRooms[roomId] = r
		}
		if c != nil {
			r.join(c)
		}
		return r
	}()
	r.load(self.ctx, self.rooms, self.settings.StorageTimeout)
	return r
}

// drops a room with no members once its state is saved.
// a memory-only relay keeps every room, since the room document is the only copy.
func (self *Server) evict(r *room) bool {
	if self.rooms == nil {
		return false
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.activeRooms[r.roomId] != r || !r.idle() {
		return false
	}
	delete(self.activeRooms, r.roomId)
	glog.V(1).Infof("[r]%s evicted\n", r.roomId)
	return true
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	if self.settings.AuthToken != "" && token != self.settings.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if token != "" {
		if claims, err := ParseTokenUnverified(token); err == nil {
			glog.V(1).Infof("[r]token sub=%s client=%s room=%s\n", claims.Subject, claims.ClientId, claims.RoomId)
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[r]upgrade error = %s\n", err)
		return
	}

	c := newConn(self, ws, query.Get("roomId"))
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conns[c] = true
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.conns, c)
	}()

	c.run()
}

// Close disconnects every client and saves dirty rooms.
func (self *Server) Close() error {
	self.cancel()

	conns, rooms := func() ([]*conn, []*room) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return maps.Keys(self.conns), maps.Values(self.activeRooms)
	}()
	for _, c := range conns {
		c.close()
	}
	for _, r := range rooms {
		r.flush(context.Background(), self.rooms, self.settings.StorageTimeout)
	}
	return nil
}

type frame struct {
	messageType int
	message     []byte
}

// one websocket client
type conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	server *Server
	ws     *websocket.Conn

	// from the connection url. a join message may name a different room.
	defaultRoomId string

	stateLock sync.Mutex
	room      *room
	clientId  string

	send chan frame
}

func newConn(server *Server, ws *websocket.Conn, defaultRoomId string) *conn {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	return &conn{
		ctx:           cancelCtx,
		cancel:        cancel,
		server:        server,
		ws:            ws,
		defaultRoomId: defaultRoomId,
		send:          make(chan frame, server.settings.SendBufferSize),
	}
}

func (self *conn) close() {
	self.cancel()
	self.ws.Close()
}

func (self *conn) currentRoom() (*room, string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.room, self.clientId
}

func (self *conn) run() {
	defer self.close()
	defer self.leave()

	settings := self.server.settings

	self.ws.SetReadLimit(settings.ReadLimit)
	self.ws.SetPingHandler(func(appData string) error {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		err := self.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(settings.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go self.write()

	for {
		self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && self.ctx.Err() == nil {
				glog.V(1).Infof("[r]read error = %s\n", err)
			}
			return
		}
		self.server.framesReceived.Add(1)

		switch messageType {
		case websocket.TextMessage:
			self.onText(message)
		case websocket.BinaryMessage:
			self.onUpdate(message)
		}
	}
}

func (self *conn) write() {
	defer self.close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case f := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
			if err := self.ws.WriteMessage(f.messageType, f.message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.V(1).Infof("[r]write error = %s\n", err)
				return
			}
			self.server.framesSent.Add(1)
		}
	}
}

func (self *conn) enqueue(f frame) {
	select {
	case <-self.ctx.Done():
	case self.send <- f:
	default:
		room, clientId := self.currentRoom()
		roomId := ""
		if room != nil {
			roomId = room.roomId
		}
		glog.Infof("[r]%s (%s) too slow; dropping connection\n", roomId, clientId)
		self.close()
	}
}

func (self *conn) sendControl(message *protocol.Message) {
	b, err := message.Encode()
	if err != nil {
		glog.Infof("[r]encode %s error = %s\n", message.Type, err)
		return
	}
	self.enqueue(frame{
		messageType: websocket.TextMessage,
		message:     b,
	})
}

func (self *conn) sendError(format string, a ...any) {
	self.sendControl(protocol.NewError(fmt.Sprintf(format, a...)))
}

func (self *conn) onText(b []byte) {
	message, err := protocol.Decode(b)
	if err != nil {
		glog.V(1).Infof("[r]drop message: %s\n", err)
		self.sendError("%s", err)
		return
	}

	switch message.Type {
	case protocol.MessageTypeJoin:
		roomId := message.RoomId
		if roomId == "" {
			roomId = self.defaultRoomId
		}
		if roomId == "" {
			self.sendError("missing roomId")
			return
		}
		self.join(roomId, message.ClientId)
	case protocol.MessageTypeSnapshot:
		self.onClientSnapshot(message)
	default:
		glog.V(2).Infof("[r]ignore %s\n", message.Type)
	}
}

func (self *conn) join(roomId string, clientId string) {
	r := self.server.joinRoom(roomId, self)

	previous := func() *room {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		previous := self.room
		self.room = r
		self.clientId = clientId
		return previous
	}()
	if previous != nil && previous != r {
		self.server.leaveRoom(previous, self)
	}
	glog.V(1).Infof("[r]%s joined (%s)\n", roomId, clientId)

	self.sendControl(protocol.NewJoined(roomId))
	self.sendControl(protocol.NewSnapshot(roomId, r.snapshot()))
}

func (self *conn) leave() {
	r, clientId := self.currentRoom()
	if r == nil {
		return
	}
	glog.V(1).Infof("[r]%s left (%s)\n", r.roomId, clientId)
	self.server.leaveRoom(r, self)
}

// saves what the member contributed without waiting for the debounce.
// the last member out evicts the saved room.
func (self *Server) leaveRoom(r *room, c *conn) {
	remaining := r.leave(c)
	go func() {
		r.flush(context.Background(), self.rooms, self.settings.StorageTimeout)
		if remaining == 0 {
			self.evict(r)
		}
	}()
}

func (self *conn) onUpdate(update []byte) {
	r, clientId := self.currentRoom()
	if r == nil {
		glog.Infof("[r]update before join (%s); dropping\n", clientId)
		return
	}
	if err := r.importUpdate(update); err != nil {
		glog.Infof("[r]%s import (%s) error = %s\n", r.roomId, clientId, err)
		self.sendError("invalid update: %s", err)
		return
	}
	r.scheduleSave(self.server.ctx, self.server.rooms, self.server.settings.SaveDebounce, self.server.settings.StorageTimeout)

	self.broadcast(r, update)
	self.sendControl(protocol.NewAck(protocol.MessageTypeUpdateAck, r.roomId))
}

func (self *conn) onClientSnapshot(message *protocol.Message) {
	if !self.server.settings.AllowClientSnapshots {
		self.sendError("client snapshots disabled")
		return
	}
	snapshot, err := message.SnapshotBytes()
	if err != nil {
		self.sendError("invalid snapshot: %s", err)
		return
	}
	roomId := message.RoomId
	if roomId == "" {
		if r, _ := self.currentRoom(); r != nil {
			roomId = r.roomId
		}
	}
	if roomId == "" {
		self.sendError("missing roomId or data")
		return
	}

	r := self.server.room(roomId)
	if err := r.seed(snapshot, self.server.emptyLen); err != nil {
		glog.V(1).Infof("[r]%s seed error = %s\n", roomId, err)
		self.sendError("%s", err)
		return
	}
	glog.V(1).Infof("[r]%s seeded with %d bytes\n", roomId, len(snapshot))
	r.scheduleSave(self.server.ctx, self.server.rooms, self.server.settings.SaveDebounce, self.server.settings.StorageTimeout)

	self.broadcast(r, snapshot)
	self.sendControl(protocol.NewAck(protocol.MessageTypeSnapshotAck, roomId))
}

func (self *conn) broadcast(r *room, update []byte) {
	for _, member := range r.others(self) {
		member.enqueue(frame{
			messageType: websocket.BinaryMessage,
			message:     update,
		})
	}
}
