package relay

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/bringyour/crdtsync/connect"
	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/mirror"
	"github.com/bringyour/crdtsync/protocol"
	"github.com/bringyour/crdtsync/storage"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func eventually(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTestClient(t *testing.T, server *httptest.Server, query string) *testClient {
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(server)+"?"+query, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		ws.Close()
	})
	return &testClient{
		t:  t,
		ws: ws,
	}
}

func (self *testClient) sendControl(message *protocol.Message) {
	b, err := message.Encode()
	assert.Equal(self.t, err, nil)
	err = self.ws.WriteMessage(websocket.TextMessage, b)
	assert.Equal(self.t, err, nil)
}

func (self *testClient) sendUpdate(update []byte) {
	err := self.ws.WriteMessage(websocket.BinaryMessage, update)
	assert.Equal(self.t, err, nil)
}

func (self *testClient) read() (int, []byte) {
	self.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, message, err := self.ws.ReadMessage()
	assert.Equal(self.t, err, nil)
	return messageType, message
}

func (self *testClient) readControl() *protocol.Message {
	messageType, b := self.read()
	assert.Equal(self.t, messageType, websocket.TextMessage)
	message, err := protocol.Decode(b)
	assert.Equal(self.t, err, nil)
	return message
}

func (self *testClient) join(roomId string) []byte {
	self.sendControl(protocol.NewJoin(roomId, "test-client"))
	joined := self.readControl()
	assert.Equal(self.t, joined.Type, protocol.MessageTypeJoined)
	assert.Equal(self.t, joined.RoomId, roomId)
	snapshot := self.readControl()
	assert.Equal(self.t, snapshot.Type, protocol.MessageTypeSnapshot)
	data, err := snapshot.SnapshotBytes()
	assert.Equal(self.t, err, nil)
	return data
}

func localUpdate(t *testing.T, doc crdt.Document, key string, value any) []byte {
	var update []byte
	unsubscribe := doc.SubscribeLocalUpdates(func(u []byte) {
		update = u
	})
	defer unsubscribe()
	err := doc.Set(key, value)
	assert.Equal(t, err, nil)
	return update
}

func newTestServer(t *testing.T, rooms storage.RoomStorage, configure func(settings *ServerSettings)) (*Server, *httptest.Server) {
	settings := DefaultServerSettings()
	settings.SaveDebounce = 10 * time.Millisecond
	if configure != nil {
		configure(settings)
	}
	relay := NewServer(context.Background(), rooms, settings)
	server := httptest.NewServer(relay)
	t.Cleanup(func() {
		server.Close()
		relay.Close()
	})
	return relay, server
}

func TestRelayJoin(t *testing.T) {
	_, server := newTestServer(t, nil, nil)

	client := dialTestClient(t, server, "roomId=room-1")
	snapshot := client.join("room-1")

	doc, err := crdt.LoadDocument(snapshot)
	assert.Equal(t, err, nil)
	_, ok := doc.Get("counter")
	assert.Equal(t, ok, false)

	// legacy names
	client.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"crdt-join","roomId":"room-2"}`))
	assert.Equal(t, client.readControl().Type, protocol.MessageTypeJoined)
	assert.Equal(t, client.readControl().Type, protocol.MessageTypeSnapshot)
}

func TestRelayErrors(t *testing.T) {
	_, server := newTestServer(t, nil, nil)

	client := dialTestClient(t, server, "")
	client.ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	message := client.readControl()
	assert.Equal(t, message.Type, protocol.MessageTypeError)

	// no room from the url or the message
	client.sendControl(protocol.NewJoin("", "c"))
	message = client.readControl()
	assert.Equal(t, message.Type, protocol.MessageTypeError)
	assert.Equal(t, message.Error, "missing roomId")

	// updates before join are dropped
	client.sendUpdate(localUpdate(t, crdt.NewDocument(), "counter", int64(1)))
	snapshot := client.join("room-1")
	doc, err := crdt.LoadDocument(snapshot)
	assert.Equal(t, err, nil)
	_, ok := doc.Get("counter")
	assert.Equal(t, ok, false)
}

func TestRelayBroadcast(t *testing.T) {
	relay, server := newTestServer(t, nil, nil)

	a := dialTestClient(t, server, "roomId=room-1")
	b := dialTestClient(t, server, "roomId=room-1")
	other := dialTestClient(t, server, "roomId=room-2")
	a.join("room-1")
	b.join("room-1")
	other.join("room-2")

	update := localUpdate(t, crdt.NewDocument(), "counter", int64(42))
	a.sendUpdate(update)

	ack := a.readControl()
	assert.Equal(t, ack.Type, protocol.MessageTypeUpdateAck)
	assert.Equal(t, ack.RoomId, "room-1")

	messageType, message := b.read()
	assert.Equal(t, messageType, websocket.BinaryMessage)
	assert.Equal(t, message, update)

	snapshot, ok := relay.RoomSnapshot("room-1")
	assert.Equal(t, ok, true)
	doc, err := crdt.LoadDocument(snapshot)
	assert.Equal(t, err, nil)
	value, _ := doc.Get("counter")
	assert.Equal(t, value, int64(42))

	// a later joiner gets the state in the snapshot
	c := dialTestClient(t, server, "")
	doc, err = crdt.LoadDocument(c.join("room-1"))
	assert.Equal(t, err, nil)
	value, _ = doc.Get("counter")
	assert.Equal(t, value, int64(42))

	// other rooms see nothing
	other.ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ws.ReadMessage()
	assert.NotEqual(t, err, nil)
}

func TestRelayClientSnapshots(t *testing.T) {
	_, server := newTestServer(t, nil, nil)

	seed := crdt.NewDocument()
	seed.Set("notes", strings.Repeat("seed ", 64))

	client := dialTestClient(t, server, "roomId=room-1")
	client.join("room-1")
	client.sendControl(protocol.NewSnapshot("room-1", seed.Snapshot()))
	message := client.readControl()
	assert.Equal(t, message.Type, protocol.MessageTypeError)
	assert.Equal(t, message.Error, "client snapshots disabled")

	_, server = newTestServer(t, nil, func(settings *ServerSettings) {
		settings.AllowClientSnapshots = true
	})

	a := dialTestClient(t, server, "roomId=room-1")
	b := dialTestClient(t, server, "roomId=room-1")
	a.join("room-1")
	b.join("room-1")

	a.sendControl(protocol.NewSnapshot("room-1", seed.Snapshot()))
	message = a.readControl()
	assert.Equal(t, message.Type, protocol.MessageTypeSnapshotAck)
	messageType, payload := b.read()
	assert.Equal(t, messageType, websocket.BinaryMessage)
	assert.Equal(t, payload, seed.Snapshot())

	// the room has state now
	a.sendControl(protocol.NewSnapshot("room-1", seed.Snapshot()))
	message = a.readControl()
	assert.Equal(t, message.Type, protocol.MessageTypeError)
	assert.Equal(t, message.Error, ErrRoomNotEmpty.Error())

	a.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"snapshot","roomId":"room-1","data":"%%%"}`))
	message = a.readControl()
	assert.Equal(t, message.Type, protocol.MessageTypeError)
}

func TestRelayPersistence(t *testing.T) {
	rooms, err := storage.OpenBadgerStore(storage.InMemoryBadgerSettings())
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		rooms.Close()
	})

	relay, server := newTestServer(t, rooms, nil)
	client := dialTestClient(t, server, "roomId=room-1")
	client.join("room-1")
	client.sendUpdate(localUpdate(t, crdt.NewDocument(), "title", "persisted"))
	assert.Equal(t, client.readControl().Type, protocol.MessageTypeUpdateAck)

	saved := eventually(5*time.Second, func() bool {
		data, err := rooms.LoadRoom(context.Background(), "room-1")
		return err == nil && 0 < len(data)
	})
	assert.Equal(t, saved, true)
	relay.Close()

	// a new relay loads the room lazily
	_, server = newTestServer(t, rooms, nil)
	client = dialTestClient(t, server, "")
	doc, err := crdt.LoadDocument(client.join("room-1"))
	assert.Equal(t, err, nil)
	value, ok := doc.Get("title")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "persisted")
}

func TestRelayRoomEviction(t *testing.T) {
	rooms, err := storage.OpenBadgerStore(storage.InMemoryBadgerSettings())
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		rooms.Close()
	})

	relay, server := newTestServer(t, rooms, nil)
	client := dialTestClient(t, server, "roomId=room-1")
	client.join("room-1")
	client.sendUpdate(localUpdate(t, crdt.NewDocument(), "title", "evicted"))
	assert.Equal(t, client.readControl().Type, protocol.MessageTypeUpdateAck)
	assert.Equal(t, relay.Stats().Rooms, 1)

	// the last member out saves and drops the room
	client.ws.Close()
	evicted := eventually(5*time.Second, func() bool {
		return relay.Stats().Rooms == 0
	})
	assert.Equal(t, evicted, true)
	_, ok := relay.RoomSnapshot("room-1")
	assert.Equal(t, ok, false)

	// the room comes back from storage
	client = dialTestClient(t, server, "roomId=room-1")
	doc, err := crdt.LoadDocument(client.join("room-1"))
	assert.Equal(t, err, nil)
	value, _ := doc.Get("title")
	assert.Equal(t, value, "evicted")
	assert.Equal(t, relay.Stats().Rooms, 1)
}

func TestRelayMemoryRoomsStay(t *testing.T) {
	relay, server := newTestServer(t, nil, nil)
	client := dialTestClient(t, server, "roomId=room-1")
	client.join("room-1")
	client.sendUpdate(localUpdate(t, crdt.NewDocument(), "title", "kept"))
	assert.Equal(t, client.readControl().Type, protocol.MessageTypeUpdateAck)

	client.ws.Close()
	left := eventually(5*time.Second, func() bool {
		return relay.Stats().Connections == 0
	})
	assert.Equal(t, left, true)
	time.Sleep(100 * time.Millisecond)

	// without storage the room document is the only copy
	assert.Equal(t, relay.Stats().Rooms, 1)
	snapshot, ok := relay.RoomSnapshot("room-1")
	assert.Equal(t, ok, true)
	doc, err := crdt.LoadDocument(snapshot)
	assert.Equal(t, err, nil)
	value, _ := doc.Get("title")
	assert.Equal(t, value, "kept")
}

func TestRelayAuthToken(t *testing.T) {
	_, server := newTestServer(t, nil, func(settings *ServerSettings) {
		settings.AuthToken = "secret"
	})

	_, response, err := websocket.DefaultDialer.Dial(wsUrl(server)+"?roomId=room-1&token=wrong", nil)
	assert.Equal(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	client := dialTestClient(t, server, "roomId=room-1&token=secret")
	client.join("room-1")
}

func TestParseTokenUnverified(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":       "user-1",
		"client_id": "client-1",
		"room_id":   "room-1",
		"exp":       expiresAt.Unix(),
	}).SignedString([]byte("any key"))
	assert.Equal(t, err, nil)

	claims, err := ParseTokenUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Subject, "user-1")
	assert.Equal(t, claims.ClientId, "client-1")
	assert.Equal(t, claims.RoomId, "room-1")
	assert.Equal(t, claims.ExpiresAt.Equal(expiresAt), true)

	_, err = ParseTokenUnverified("opaque-token")
	assert.NotEqual(t, err, nil)
}

type counterState struct {
	Counter int
}

func newMirror(t *testing.T, url string, clientId string) (*mirror.Store[counterState], *mirror.Controller[counterState], *connect.Connector) {
	store := mirror.NewStore(counterState{})

	connectorSettings := connect.DefaultConnectorSettings(url, "room-e2e")
	connectorSettings.ClientId = clientId
	connector := connect.NewConnector(connectorSettings)

	settings := mirror.DefaultControllerSettings[counterState]()
	settings.Bindings = []*mirror.Binding[counterState]{
		mirror.Field[counterState, int](
			"counter",
			crdt.ShapeInt,
			func(state counterState) int {
				return state.Counter
			},
			func(state counterState, counter int) counterState {
				state.Counter = counter
				return state
			},
		),
	}
	settings.Sync = connector
	controller, err := mirror.NewController(store, settings)
	assert.Equal(t, err, nil)

	err = controller.Initialize(context.Background())
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		controller.Destroy(context.Background())
	})
	return store, controller, connector
}

func TestMirrorEndToEnd(t *testing.T) {
	relay, server := newTestServer(t, nil, nil)

	storeA, _, connectorA := newMirror(t, wsUrl(server), "client-a")
	storeB, _, connectorB := newMirror(t, wsUrl(server), "client-b")

	synced := eventually(10*time.Second, func() bool {
		return connectorA.Synced() && connectorB.Synced()
	})
	assert.Equal(t, synced, true)

	storeA.Set(counterState{Counter: 42})

	observed := eventually(10*time.Second, func() bool {
		return storeB.Get().Counter == 42
	})
	assert.Equal(t, observed, true)

	// settles without a send loop
	time.Sleep(500 * time.Millisecond)
	stats := relay.Stats()
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, relay.Stats().FramesReceived, stats.FramesReceived)
	assert.Equal(t, relay.Stats().FramesSent, stats.FramesSent)
	// join + eager snapshot per client, and one update
	assert.Equal(t, stats.FramesReceived <= 5, true)

	assert.Equal(t, storeA.Get().Counter, 42)
	assert.Equal(t, connectorA.Pending(), 0)
	assert.Equal(t, connectorB.Pending(), 0)
}
