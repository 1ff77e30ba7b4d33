package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/storage"
)

var ErrRoomNotEmpty = errors.New("room already has state; snapshot rejected")

// one document per room, lazily loaded from storage and saved after a quiet period
type room struct {
	roomId string

	loadOnce sync.Once

	stateLock sync.Mutex
	doc       *crdt.AutomergeDocument
	members   map[*conn]bool
	dirty     bool
	saveTimer *time.Timer
}

func newRoom(roomId string) *room {
	return &room{
		roomId:  roomId,
		doc:     crdt.NewDocument(),
		members: map[*conn]bool{},
	}
}

func (self *room) load(ctx context.Context, rooms storage.RoomStorage, timeout time.Duration) {
	if rooms == nil {
		return
	}
	self.loadOnce.Do(func() {
		loadCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		snapshot, err := rooms.LoadRoom(loadCtx, self.roomId)
		if err != nil {
			glog.Infof("[r]%s load error = %s\n", self.roomId, err)
			return
		}
		if len(snapshot) == 0 {
			return
		}
		doc, err := crdt.LoadDocument(snapshot)
		if err != nil {
			// start from an empty document rather than refusing the room
			glog.Infof("[r]%s stored snapshot (%d bytes) error = %s\n", self.roomId, len(snapshot), err)
			return
		}
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.doc = doc
		glog.V(1).Infof("[r]%s loaded %d bytes\n", self.roomId, len(snapshot))
	})
}

func (self *room) snapshot() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.doc.Snapshot()
}

func (self *room) join(c *conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.members[c] = true
}

// returns the number of remaining members
func (self *room) leave(c *conn) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.members, c)
	return len(self.members)
}

// no members and nothing left to save
func (self *room) idle() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.members) == 0 && !self.dirty && self.saveTimer == nil
}

func (self *room) others(c *conn) []*conn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	others := make([]*conn, 0, len(self.members))
	for member := range self.members {
		if member != c {
			others = append(others, member)
		}
	}
	return others
}

func (self *room) importUpdate(update []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.doc.Import(update)
}

// seeds an empty room with a client snapshot
func (self *room) seed(snapshot []byte, emptyLen int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if current := self.doc.Snapshot(); emptyLen < len(current) {
		return ErrRoomNotEmpty
	}
	return self.doc.Import(snapshot)
}

// debounced. each call restarts the quiet period.
func (self *room) scheduleSave(ctx context.Context, rooms storage.RoomStorage, debounce time.Duration, timeout time.Duration) {
	if rooms == nil {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dirty = true
	if self.saveTimer != nil {
		self.saveTimer.Stop()
	}
	self.saveTimer = time.AfterFunc(debounce, func() {
		self.flush(ctx, rooms, timeout)
	})
}

// saves the room if it changed since the last save
func (self *room) flush(ctx context.Context, rooms storage.RoomStorage, timeout time.Duration) {
	if rooms == nil {
		return
	}
	snapshot := func() []byte {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.saveTimer != nil {
			self.saveTimer.Stop()
			self.saveTimer = nil
		}
		if !self.dirty {
			return nil
		}
		self.dirty = false
		return self.doc.Snapshot()
	}()
	if snapshot == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rooms.SaveRoom(saveCtx, self.roomId, snapshot); err != nil {
		glog.Infof("[r]%s save error = %s\n", self.roomId, err)
		self.stateLock.Lock()
		self.dirty = true
		self.stateLock.Unlock()
		return
	}
	glog.V(2).Infof("[r]%s saved %d bytes\n", self.roomId, len(snapshot))
}
