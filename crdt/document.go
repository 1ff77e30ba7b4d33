package crdt

import (
	"golang.org/x/exp/slices"
)

/*
A mergeable document with named root-level values.

The document is the one piece of shared mutable state between the mirror and the
sync connector. Implementations must emit change and local update events after
releasing their own locks, so that a callback may call back into the document.
*/

const (
	// a local mutation made on behalf of the application store
	TagFromStore = "from-store"
	// bytes merged in from a peer, the relay, or a snapshot
	TagImport = "import"
	// bytes merged in from a persisted snapshot
	TagStorage = "storage"
)

type ChangeEvent struct {
	// root keys touched by the change. nil means any key may have changed.
	Keys []string
	Tags []string
	// true when the change was produced by a local `Set` or `Delete`
	Local bool
}

func (self *ChangeEvent) HasTag(tag string) bool {
	return slices.Contains(self.Tags, tag)
}

func (self *ChangeEvent) Affects(key string) bool {
	if self.Keys == nil {
		return true
	}
	return slices.Contains(self.Keys, key)
}

type ChangeFunction func(event *ChangeEvent)

// update bytes can be imported by any peer to reproduce the local change
type LocalUpdateFunction func(update []byte)

type Document interface {
	// the stored primitive at `key`. See `Shape` for the primitive types.
	Get(key string) (any, bool)
	Set(key string, value any, tags ...string) error
	Delete(key string, tags ...string) error

	// full state
	Snapshot() []byte
	// merges snapshot or update bytes into the current state
	Import(data []byte, tags ...string) error

	SubscribeChanges(callback ChangeFunction) func()
	SubscribeLocalUpdates(callback LocalUpdateFunction) func()
}
