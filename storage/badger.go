package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
)

type BadgerSettings struct {
	// ignored when `InMemory`
	Path       string
	InMemory   bool
	SyncWrites bool
	KeyPrefix  string
}

func DefaultBadgerSettings(path string) *BadgerSettings {
	return &BadgerSettings{
		Path:       path,
		SyncWrites: true,
		KeyPrefix:  "crdt/",
	}
}

func InMemoryBadgerSettings() *BadgerSettings {
	return &BadgerSettings{
		InMemory:  true,
		KeyPrefix: "crdt/",
	}
}

// BadgerStore is a binary block store for snapshots.
type BadgerStore struct {
	db       *badger.DB
	settings *BadgerSettings
}

func OpenBadgerStore(settings *BadgerSettings) (*BadgerStore, error) {
	var opts badger.Options
	if settings.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if settings.Path == "" {
			return nil, errors.New("badger path is required")
		}
		if err := os.MkdirAll(settings.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", settings.Path, err)
		}
		opts = badger.DefaultOptions(settings.Path)
	}
	opts = opts.WithSyncWrites(settings.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(&badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{
		db:       db,
		settings: settings,
	}, nil
}

func (self *BadgerStore) key(roomId string) []byte {
	return []byte(self.settings.KeyPrefix + roomId)
}

func (self *BadgerStore) LoadRoom(ctx context.Context, roomId string) ([]byte, error) {
	var data []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(self.key(roomId))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", roomId, err)
	}
	return data, nil
}

func (self *BadgerStore) SaveRoom(ctx context.Context, roomId string, data []byte) error {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(self.key(roomId), data)
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", roomId, err)
	}
	return nil
}

func (self *BadgerStore) Room(roomId string) Storage {
	return ForRoom(self, roomId)
}

func (self *BadgerStore) Close() error {
	return self.db.Close()
}

// routes badger's internal logs to glog
type badgerLogger struct{}

func (self *badgerLogger) Errorf(format string, args ...interface{}) {
	glog.Errorf("[badger]"+format, args...)
}

func (self *badgerLogger) Warningf(format string, args ...interface{}) {
	glog.Warningf("[badger]"+format, args...)
}

func (self *badgerLogger) Infof(format string, args ...interface{}) {
	glog.V(1).Infof("[badger]"+format, args...)
}

func (self *badgerLogger) Debugf(format string, args ...interface{}) {
	glog.V(2).Infof("[badger]"+format, args...)
}
