package crdt

import (
	"sync"
)

// makes a copy of the list on update
// callers iterate the returned slice without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []callbackEntry[T]
}

type callbackEntry[T any] struct {
	id       int
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1

	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks)+1)
	nextCallbacks = append(nextCallbacks, self.callbacks...)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		id:       id,
		callback: callback,
	})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := make([]callbackEntry[T], 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		if entry.id != id {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}
