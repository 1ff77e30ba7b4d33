package mirror

import (
	"sync"

	"github.com/bringyour/crdtsync/crdt"
)

// a store change made while applying a document value to the store
const TagFromDoc = "from-doc"

type StoreFunction[S any] func(state S, tags []string)

// Store is a minimal application state container.
// State values are replaced, never mutated in place.
// Subscribers are notified synchronously on the calling goroutine, after the store lock is released.
type Store[S any] struct {
	stateLock sync.Mutex
	state     S

	callbacks *crdt.CallbackList[StoreFunction[S]]
}

func NewStore[S any](initial S) *Store[S] {
	return &Store[S]{
		state:     initial,
		callbacks: crdt.NewCallbackList[StoreFunction[S]](),
	}
}

func (self *Store[S]) Get() S {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Store[S]) Set(next S, tags ...string) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = next
	}()
	self.notify(next, tags)
}

// Update replaces the state with `update(current)` atomically.
func (self *Store[S]) Update(update func(state S) S, tags ...string) S {
	next := func() S {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.state = update(self.state)
		return self.state
	}()
	self.notify(next, tags)
	return next
}

func (self *Store[S]) Subscribe(callback StoreFunction[S]) func() {
	return self.callbacks.Add(callback)
}

func (self *Store[S]) notify(state S, tags []string) {
	for _, callback := range self.callbacks.Get() {
		callback(state, tags)
	}
}
