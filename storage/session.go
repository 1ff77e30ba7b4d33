package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
)

// SessionStore is an ephemeral string key-value store scoped to one process session.
type SessionStore interface {
	GetItem(key string) (string, bool)
	SetItem(key string, value string)
	RemoveItem(key string)
}

type MemorySessionStore struct {
	stateLock sync.Mutex
	items     map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		items: map[string]string{},
	}
}

func (self *MemorySessionStore) GetItem(key string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.items[key]
	return value, ok
}

func (self *MemorySessionStore) SetItem(key string, value string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.items[key] = value
}

func (self *MemorySessionStore) RemoveItem(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.items, key)
}

// SessionStorage keeps the snapshot base64 encoded under one session key.
// With a nil session store every operation is a no-op.
type SessionStorage struct {
	store SessionStore
	key   string
}

func NewSessionStorage(store SessionStore, key string) *SessionStorage {
	return &SessionStorage{
		store: store,
		key:   key,
	}
}

func (self *SessionStorage) Load(ctx context.Context) ([]byte, error) {
	if self.store == nil {
		return nil, nil
	}
	encoded, ok := self.store.GetItem(self.key)
	if !ok || encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode session snapshot %s: %w", self.key, err)
	}
	return data, nil
}

func (self *SessionStorage) Save(ctx context.Context, data []byte) error {
	if self.store == nil {
		return nil
	}
	self.store.SetItem(self.key, base64.StdEncoding.EncodeToString(data))
	return nil
}
