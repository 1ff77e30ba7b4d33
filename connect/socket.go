package connect

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ReadyState int

const (
	ReadyStateConnecting ReadyState = 0
	ReadyStateOpen       ReadyState = 1
	ReadyStateClosing    ReadyState = 2
	ReadyStateClosed     ReadyState = 3
)

type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

var ErrSocketNotOpen = errors.New("socket not open")

// Socket is a duplex socket carrying text and binary frames.
type Socket interface {
	ReadyState() ReadyState
	Send(messageType MessageType, message []byte) error
	Close() error
}

// SocketHandler receives socket events. Events for one socket are delivered serially.
// `OnClose` is the last event for a socket.
type SocketHandler interface {
	OnOpen()
	OnMessage(messageType MessageType, message []byte)
	OnError(err error)
	OnClose(err error)
}

// SocketFactory starts opening a socket.
// The factory must not call the handler before it returns.
type SocketFactory func(url string, protocols []string, handler SocketHandler) (Socket, error)

type WsSocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	Header           http.Header
}

func DefaultWsSocketSettings() *WsSocketSettings {
	pingTimeout := 5 * time.Second
	return &WsSocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      3 * pingTimeout,
		PingTimeout:      pingTimeout,
	}
}

func NewWsSocketFactory(settings *WsSocketSettings) SocketFactory {
	return func(url string, protocols []string, handler SocketHandler) (Socket, error) {
		return NewWsSocket(url, protocols, handler, settings), nil
	}
}

func DefaultWsSocketFactory() SocketFactory {
	return NewWsSocketFactory(DefaultWsSocketSettings())
}

// WsSocket is a Socket on a gorilla websocket client connection.
type WsSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	protocols []string
	handler   SocketHandler
	settings  *WsSocketSettings

	stateLock  sync.Mutex
	readyState ReadyState
	ws         *websocket.Conn

	writeLock sync.Mutex
}

func NewWsSocket(url string, protocols []string, handler SocketHandler, settings *WsSocketSettings) *WsSocket {
	cancelCtx, cancel := context.WithCancel(context.Background())
	socket := &WsSocket{
		ctx:        cancelCtx,
		cancel:     cancel,
		url:        url,
		protocols:  protocols,
		handler:    handler,
		settings:   settings,
		readyState: ReadyStateConnecting,
	}
	go socket.run()
	return socket
}

func (self *WsSocket) run() {
	defer self.cancel()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
		Subprotocols:     self.protocols,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, self.settings.Header)
	if err != nil {
		glog.Infof("[ws]dial %s error = %s\n", self.url, err)
		self.setReadyState(ReadyStateClosed)
		self.handler.OnError(err)
		self.handler.OnClose(err)
		return
	}
	defer ws.Close()

	opened := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.readyState != ReadyStateConnecting {
			// closed while dialing
			return false
		}
		self.ws = ws
		self.readyState = ReadyStateOpen
		return true
	}()
	if !opened {
		self.handler.OnClose(context.Canceled)
		return
	}
	self.handler.OnOpen()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.V(1).Infof("[ws]ping %s error = %s\n", self.url, err)
					ws.Close()
					return
				}
			}
		}
	}()

	var closeErr error
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			self.handler.OnMessage(MessageType(messageType), message)
		default:
			glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, self.url)
		}
	}

	self.setReadyState(ReadyStateClosed)
	if self.ctx.Err() == nil && !websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		glog.Infof("[ws]%s<- error = %s\n", self.url, closeErr)
		self.handler.OnError(closeErr)
	}
	self.handler.OnClose(closeErr)
}

func (self *WsSocket) setReadyState(readyState ReadyState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.readyState = readyState
}

func (self *WsSocket) ReadyState() ReadyState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.readyState
}

func (self *WsSocket) Send(messageType MessageType, message []byte) error {
	ws := func() *websocket.Conn {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.readyState != ReadyStateOpen {
			return nil
		}
		return self.ws
	}()
	if ws == nil {
		return ErrSocketNotOpen
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(int(messageType), message)
}

func (self *WsSocket) Close() error {
	ws := func() *websocket.Conn {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.readyState == ReadyStateClosed {
			return nil
		}
		self.readyState = ReadyStateClosing
		return self.ws
	}()
	self.cancel()
	if ws == nil {
		return nil
	}

	self.writeLock.Lock()
	deadline := time.Now().Add(self.settings.WriteTimeout)
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	self.writeLock.Unlock()
	return ws.Close()
}
