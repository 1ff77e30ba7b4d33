package storage

import (
	"context"
)

// Storage durably caches the last known document snapshot.
// `Load` returns nil bytes and a nil error when nothing is stored.
type Storage interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// RoomStorage stores one snapshot per room.
type RoomStorage interface {
	LoadRoom(ctx context.Context, roomId string) ([]byte, error)
	SaveRoom(ctx context.Context, roomId string, data []byte) error
}

// ForRoom binds a room storage to a single room.
func ForRoom(rooms RoomStorage, roomId string) Storage {
	return &roomStorage{
		rooms:  rooms,
		roomId: roomId,
	}
}

type roomStorage struct {
	rooms  RoomStorage
	roomId string
}

func (self *roomStorage) Load(ctx context.Context) ([]byte, error) {
	return self.rooms.LoadRoom(ctx, self.roomId)
}

func (self *roomStorage) Save(ctx context.Context, data []byte) error {
	return self.rooms.SaveRoom(ctx, self.roomId, data)
}
