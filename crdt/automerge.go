package crdt

import (
	"fmt"
	"math"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// Document backed by an automerge doc.
// Each local mutation is exported as one incremental update.
type AutomergeDocument struct {
	stateLock sync.Mutex
	doc       *automerge.Doc

	changeCallbacks      *CallbackList[ChangeFunction]
	localUpdateCallbacks *CallbackList[LocalUpdateFunction]
}

func NewDocument() *AutomergeDocument {
	return newAutomergeDocument(automerge.New())
}

func LoadDocument(snapshot []byte) (*AutomergeDocument, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return newAutomergeDocument(doc), nil
}

func newAutomergeDocument(doc *automerge.Doc) *AutomergeDocument {
	// move the incremental cursor past any loaded state
	doc.SaveIncremental()
	return &AutomergeDocument{
		doc:                  doc,
		changeCallbacks:      NewCallbackList[ChangeFunction](),
		localUpdateCallbacks: NewCallbackList[LocalUpdateFunction](),
	}
}

// the size of a snapshot of a document that has never been written
func EmptySnapshotLen() int {
	return len(automerge.New().Save())
}

func (self *AutomergeDocument) Get(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	v, err := self.doc.Path(key).Get()
	if err != nil {
		glog.V(2).Infof("[d]get %s error = %s\n", key, err)
		return nil, false
	}
	if v.IsVoid() || v.IsNull() {
		return nil, false
	}
	switch v.Kind() {
	case automerge.KindStr:
		return v.Str(), true
	case automerge.KindInt64:
		return v.Int64(), true
	case automerge.KindUint64:
		// out of range counters stay unsigned and fail int decoding
		u := v.Uint64()
		if u <= math.MaxInt64 {
			return int64(u), true
		}
		return u, true
	case automerge.KindFloat64:
		return v.Float64(), true
	case automerge.KindBool:
		return v.Bool(), true
	case automerge.KindBytes:
		return slices.Clone(v.Bytes()), true
	default:
		return v.Interface(), true
	}
}

func (self *AutomergeDocument) Set(key string, value any, tags ...string) error {
	var update []byte
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if err := self.doc.Path(key).Set(value); err != nil {
			return err
		}
		update = self.doc.SaveIncremental()
		return nil
	}()
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	self.emitLocal(update, []string{key}, tags)
	return nil
}

func (self *AutomergeDocument) Delete(key string, tags ...string) error {
	var update []byte
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		v, err := self.doc.Path(key).Get()
		if err != nil {
			return err
		}
		if v.IsVoid() {
			return nil
		}
		if err := self.doc.Path(key).Delete(); err != nil {
			return err
		}
		update = self.doc.SaveIncremental()
		return nil
	}()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	self.emitLocal(update, []string{key}, tags)
	return nil
}

func (self *AutomergeDocument) emitLocal(update []byte, keys []string, tags []string) {
	if len(update) == 0 {
		return
	}
	for _, callback := range self.localUpdateCallbacks.Get() {
		callback(update)
	}
	event := &ChangeEvent{
		Keys:  keys,
		Tags:  tags,
		Local: true,
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback(event)
	}
}

func (self *AutomergeDocument) Snapshot() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.Save()
}

func (self *AutomergeDocument) Import(data []byte, tags ...string) error {
	var changed bool
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		heads := self.doc.Heads()
		if err := self.doc.LoadIncremental(data); err != nil {
			return err
		}
		// imported changes are not local updates
		self.doc.SaveIncremental()
		changed = !slices.Equal(heads, self.doc.Heads())
		return nil
	}()
	if err != nil {
		return fmt.Errorf("import %d bytes: %w", len(data), err)
	}
	if !changed {
		return nil
	}

	event := &ChangeEvent{
		Tags: append([]string{TagImport}, tags...),
	}
	for _, callback := range self.changeCallbacks.Get() {
		callback(event)
	}
	return nil
}

func (self *AutomergeDocument) SubscribeChanges(callback ChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *AutomergeDocument) SubscribeLocalUpdates(callback LocalUpdateFunction) func() {
	return self.localUpdateCallbacks.Add(callback)
}
