package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

/*
Control messages are UTF-8 JSON text frames. CRDT update payloads are raw binary
frames with no envelope; the frame type alone separates them from control messages.
Snapshot bytes inside a control message are standard base64.
*/

type MessageType string

const (
	MessageTypeJoin        MessageType = "join"
	MessageTypeJoined      MessageType = "joined"
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeError       MessageType = "error"
	MessageTypeUpdateAck   MessageType = "update-ack"
	MessageTypeSnapshotAck MessageType = "snapshot-ack"
)

// earlier peers prefixed every control type with this
const LegacyTypePrefix = "crdt-"

var ErrMalformed = errors.New("malformed control message")
var ErrBadPayload = errors.New("undecodable snapshot payload")

type Message struct {
	Type     MessageType `json:"type"`
	RoomId   string      `json:"roomId,omitempty"`
	ClientId string      `json:"clientId,omitempty"`
	Data     string      `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func NewJoin(roomId string, clientId string) *Message {
	return &Message{
		Type:     MessageTypeJoin,
		RoomId:   roomId,
		ClientId: clientId,
	}
}

func NewJoined(roomId string) *Message {
	return &Message{
		Type:   MessageTypeJoined,
		RoomId: roomId,
	}
}

func NewSnapshot(roomId string, snapshot []byte) *Message {
	return &Message{
		Type:   MessageTypeSnapshot,
		RoomId: roomId,
		Data:   base64.StdEncoding.EncodeToString(snapshot),
	}
}

func NewError(errorMessage string) *Message {
	return &Message{
		Type:  MessageTypeError,
		Error: errorMessage,
	}
}

func NewAck(messageType MessageType, roomId string) *Message {
	return &Message{
		Type:   messageType,
		RoomId: roomId,
	}
}

func (self *Message) Encode() ([]byte, error) {
	return json.Marshal(self)
}

// SnapshotBytes decodes the base64 `data` field.
func (self *Message) SnapshotBytes() ([]byte, error) {
	if self.Data == "" {
		return nil, fmt.Errorf("%w: empty data", ErrBadPayload)
	}
	data, err := base64.StdEncoding.DecodeString(self.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPayload, err)
	}
	return data, nil
}

// Decode parses a text frame. Legacy prefixed type names are normalized.
func Decode(frame []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(frame, message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if message.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	message.Type = MessageType(strings.TrimPrefix(string(message.Type), LegacyTypePrefix))
	return message, nil
}
