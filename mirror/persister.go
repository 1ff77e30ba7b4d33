package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/storage"
)

// saves document snapshots in the background
// schedules that arrive while a save is running coalesce into one more save
type persister struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc      crdt.Document
	storage  storage.Storage
	timeout  time.Duration
	onError  func(error)
	saveLock sync.Mutex

	signal chan struct{}
	done   chan struct{}

	stateLock sync.Mutex
	dirty     bool
}

func newPersister(
	ctx context.Context,
	doc crdt.Document,
	storage storage.Storage,
	timeout time.Duration,
	onError func(error),
) *persister {
	cancelCtx, cancel := context.WithCancel(ctx)
	persister := &persister{
		ctx:     cancelCtx,
		cancel:  cancel,
		doc:     doc,
		storage: storage,
		timeout: timeout,
		onError: onError,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go persister.run()
	return persister
}

func (self *persister) run() {
	defer close(self.done)
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.signal:
			self.save(self.ctx)
		}
	}
}

// Schedule never blocks.
func (self *persister) Schedule() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.dirty = true
	}()
	select {
	case self.signal <- struct{}{}:
	default:
	}
}

func (self *persister) save(ctx context.Context) {
	self.saveLock.Lock()
	defer self.saveLock.Unlock()

	dirty := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		dirty := self.dirty
		self.dirty = false
		return dirty
	}()
	if !dirty {
		return
	}

	snapshot := self.doc.Snapshot()
	saveCtx, cancel := context.WithTimeout(ctx, self.timeout)
	defer cancel()
	if err := self.storage.Save(saveCtx, snapshot); err != nil {
		// the in-memory document is the source of truth. the cache catches up on the next save.
		glog.Infof("[m]save snapshot (%d bytes) error = %s\n", len(snapshot), err)
		if self.onError != nil {
			self.onError(err)
		}
		return
	}
	glog.V(2).Infof("[m]saved snapshot (%d bytes)\n", len(snapshot))
}

// Close stops the background saver and writes any unsaved state once.
func (self *persister) Close() {
	self.cancel()
	<-self.done
	self.save(context.Background())
}
