package connect

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/bringyour/crdtsync/storage"
)

// SessionIdentity provides a client id that is stable for the process session.
// The id is used for protocol tracing and dedup only. It is not a crdt actor id.
type SessionIdentity interface {
	GetOrCreateId(scope string) string
}

type sessionIdentity struct {
	stateLock sync.Mutex
	store     storage.SessionStore
}

// NewSessionIdentity persists generated ids in `store` under the scope key.
func NewSessionIdentity(store storage.SessionStore) SessionIdentity {
	return &sessionIdentity{
		store: store,
	}
}

var defaultSessionIdentity = NewSessionIdentity(storage.NewMemorySessionStore())

// DefaultSessionIdentity is shared by all connectors in the process.
func DefaultSessionIdentity() SessionIdentity {
	return defaultSessionIdentity
}

func (self *sessionIdentity) GetOrCreateId(scope string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.store == nil {
		return NewClientId()
	}
	if id, ok := self.store.GetItem(scope); ok && id != "" {
		return id
	}
	id := NewClientId()
	self.store.SetItem(scope, id)
	return id
}

func NewClientId() string {
	return ulid.Make().String()
}
