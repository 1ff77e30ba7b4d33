package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"

	"github.com/bringyour/crdtsync/crdt"
	"github.com/bringyour/crdtsync/storage"
)

/*
Mirrors bound regions of an application store into root keys of a crdt document.

Push (store -> document) runs on every store change, skipping values equal to the
last value written for the key. Pull (document -> store) runs on every document
change and applies the decoded value through the binding. The two directions are
serialized by `syncLock`. Re-entry from one direction into the other is recognized by
tags rather than by taking the lock again:
- store changes made by a pull carry `TagFromDoc` and never push
- document changes made by a push carry `crdt.TagFromStore` and are applied in place
*/

var ErrNoDocument = errors.New("no document")

type ControllerStatus string

const (
	StatusIdle  ControllerStatus = "idle"
	StatusReady ControllerStatus = "ready"
	StatusError ControllerStatus = "error"
)

type ControllerState struct {
	Status ControllerStatus
	Error  string
}

type SyncDirection int

const (
	SyncIdle SyncDirection = iota
	SyncPushingToDoc
	SyncApplyingFromDoc
)

func (self SyncDirection) String() string {
	switch self {
	case SyncPushingToDoc:
		return "pushing"
	case SyncApplyingFromDoc:
		return "applying"
	default:
		return "idle"
	}
}

// SyncConnector synchronizes a document with remote peers.
type SyncConnector interface {
	Connect(ctx context.Context, doc crdt.Document) error
	Disconnect(ctx context.Context) error
}

type ControllerSettings[S any] struct {
	Bindings []*Binding[S]

	// an adopted document. Otherwise `CreateDoc` makes a fresh document per initialize.
	Doc       crdt.Document
	CreateDoc func() (crdt.Document, error)

	Sync    SyncConnector
	Storage storage.Storage

	StorageTimeout time.Duration
	OnError        func(err error)
}

func DefaultControllerSettings[S any]() *ControllerSettings[S] {
	return &ControllerSettings[S]{
		CreateDoc: func() (crdt.Document, error) {
			return crdt.NewDocument(), nil
		},
		StorageTimeout: 5 * time.Second,
	}
}

type Controller[S any] struct {
	store    *Store[S]
	settings *ControllerSettings[S]

	initGroup singleflight.Group

	// serializes initialize and destroy
	lifecycleLock sync.Mutex

	stateLock sync.Mutex
	state     ControllerState
	session   *session[S]

	syncLock  sync.Mutex
	direction atomic.Int32
}

// everything created by one initialize and released by destroy
type session[S any] struct {
	doc          crdt.Document
	bindings     []*Binding[S]
	views        map[string]*View
	persister    *persister
	unsubscribes []func()

	// last stored primitive written or applied per key. guarded by `syncLock`.
	lastOutbound map[string]any

	activeLock sync.Mutex
	active     bool
}

func (self *session[S]) isActive() bool {
	self.activeLock.Lock()
	defer self.activeLock.Unlock()
	return self.active
}

func (self *session[S]) setActive(active bool) {
	self.activeLock.Lock()
	defer self.activeLock.Unlock()
	self.active = active
}

func NewControllerWithDefaults[S any](store *Store[S], bindings ...*Binding[S]) (*Controller[S], error) {
	settings := DefaultControllerSettings[S]()
	settings.Bindings = bindings
	return NewController(store, settings)
}

// NewController validates the binding table once.
func NewController[S any](store *Store[S], settings *ControllerSettings[S]) (*Controller[S], error) {
	if err := validateBindings(settings.Bindings); err != nil {
		return nil, err
	}
	if settings.Doc == nil && settings.CreateDoc == nil {
		return nil, ErrNoDocument
	}
	if settings.StorageTimeout <= 0 {
		settings.StorageTimeout = DefaultControllerSettings[S]().StorageTimeout
	}
	return &Controller[S]{
		store:    store,
		settings: settings,
		state: ControllerState{
			Status: StatusIdle,
		},
	}, nil
}

func (self *Controller[S]) State() ControllerState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// Document is the live document, or nil when not initialized.
func (self *Controller[S]) Document() crdt.Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.session == nil {
		return nil
	}
	return self.session.doc
}

// Direction is the path currently holding the sync lock.
func (self *Controller[S]) Direction() SyncDirection {
	return SyncDirection(self.direction.Load())
}

func (self *Controller[S]) setState(state ControllerState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = state
}

// Initialize wires the document, the store and the connector.
// Concurrent calls share one outcome. A ready controller returns immediately.
func (self *Controller[S]) Initialize(ctx context.Context) error {
	_, err, _ := self.initGroup.Do("initialize", func() (any, error) {
		return nil, self.initialize(ctx)
	})
	return err
}

func (self *Controller[S]) initialize(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if ready := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.state.Status == StatusReady && self.session != nil && 0 < len(self.session.bindings)
	}(); ready {
		return nil
	}

	session, err := self.start(ctx)
	if err != nil {
		glog.Infof("[m]initialize error = %s\n", err)
		if self.settings.OnError != nil {
			self.settings.OnError(err)
		}
		self.setState(ControllerState{
			Status: StatusError,
			Error:  err.Error(),
		})
		return err
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.session = session
		self.state = ControllerState{
			Status: StatusReady,
		}
	}()
	glog.V(1).Infof("[m]ready (%d bindings)\n", len(session.bindings))
	return nil
}

func (self *Controller[S]) start(ctx context.Context) (returnSession *session[S], returnErr error) {
	bindings := self.settings.Bindings
	if err := validateBindings(bindings); err != nil {
		return nil, err
	}

	// 1. document
	doc := self.settings.Doc
	if doc == nil {
		var err error
		doc, err = self.settings.CreateDoc()
		if err != nil {
			return nil, fmt.Errorf("create document: %w", err)
		}
		if doc == nil {
			return nil, ErrNoDocument
		}
	}

	// 2. rehydrate before any subscription so local defaults cannot race the cached state
	if self.settings.Storage != nil {
		self.rehydrate(ctx, doc)
	}

	session := &session[S]{
		doc:          doc,
		bindings:     bindings,
		views:        map[string]*View{},
		lastOutbound: map[string]any{},
		active:       true,
	}
	defer func() {
		if returnErr != nil {
			self.teardown(context.Background(), session, false)
		}
	}()

	// 3. views
	for _, binding := range bindings {
		session.views[binding.Key] = newView(doc, binding.Key, binding.Shape, binding.InitialValue)
	}

	if self.settings.Storage != nil {
		session.persister = newPersister(
			context.Background(),
			doc,
			self.settings.Storage,
			self.settings.StorageTimeout,
			self.settings.OnError,
		)
	}

	// 4. document -> store
	session.unsubscribes = append(session.unsubscribes, doc.SubscribeChanges(func(event *crdt.ChangeEvent) {
		self.onDocChange(session, event)
	}))

	// 5. the document state wins over store defaults set before initialize
	self.reapply(session)

	// 6. store -> document
	session.unsubscribes = append(session.unsubscribes, self.store.Subscribe(func(state S, tags []string) {
		self.onStoreChange(session, state, tags)
	}))

	// 7.
	if self.settings.Sync != nil {
		if err := self.settings.Sync.Connect(ctx, doc); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	return session, nil
}

func (self *Controller[S]) rehydrate(ctx context.Context, doc crdt.Document) {
	loadCtx, cancel := context.WithTimeout(ctx, self.settings.StorageTimeout)
	defer cancel()
	snapshot, err := self.settings.Storage.Load(loadCtx)
	if err != nil {
		// a missing cache is not missing state
		glog.Infof("[m]load snapshot error = %s\n", err)
		if self.settings.OnError != nil {
			self.settings.OnError(err)
		}
		return
	}
	if len(snapshot) == 0 {
		return
	}
	if err := doc.Import(snapshot, crdt.TagStorage); err != nil {
		glog.Infof("[m]import stored snapshot (%d bytes) error = %s\n", len(snapshot), err)
		if self.settings.OnError != nil {
			self.settings.OnError(err)
		}
		return
	}
	glog.V(1).Infof("[m]rehydrated %d bytes\n", len(snapshot))
}

// Destroy releases the session. Safe to call at any time.
func (self *Controller[S]) Destroy(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	session := func() *session[S] {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		session := self.session
		self.session = nil
		self.state = ControllerState{
			Status: StatusIdle,
		}
		return session
	}()
	if session == nil {
		return nil
	}
	return self.teardown(ctx, session, true)
}

func (self *Controller[S]) teardown(ctx context.Context, session *session[S], disconnect bool) error {
	session.setActive(false)
	for _, unsubscribe := range session.unsubscribes {
		unsubscribe()
	}
	session.unsubscribes = nil

	var disconnectErr error
	if disconnect && self.settings.Sync != nil {
		if err := self.settings.Sync.Disconnect(ctx); err != nil {
			glog.Infof("[m]disconnect error = %s\n", err)
			disconnectErr = fmt.Errorf("disconnect: %w", err)
		}
	}
	if session.persister != nil {
		session.persister.Close()
	}
	return disconnectErr
}

func (self *Controller[S]) setter() Setter[S] {
	return func(update func(state S) S) {
		self.store.Update(update, TagFromDoc)
	}
}

func (self *Controller[S]) onStoreChange(session *session[S], state S, tags []string) {
	if slices.Contains(tags, TagFromDoc) {
		// the pull path made this change
		return
	}
	if !session.isActive() {
		return
	}

	self.syncLock.Lock()
	defer self.syncLock.Unlock()

	self.direction.Store(int32(SyncPushingToDoc))
	defer self.direction.Store(int32(SyncIdle))

	for _, binding := range session.bindings {
		view := session.views[binding.Key]
		encoded, err := view.Encode(binding.Select(state))
		if err != nil {
			glog.Infof("[m]push %s: %s\n", binding.Key, err)
			if self.settings.OnError != nil {
				self.settings.OnError(fmt.Errorf("push %s: %w", binding.Key, err))
			}
			continue
		}
		previous, ok := session.lastOutbound[binding.Key]
		if !ok {
			previous, _ = view.Stored()
		}
		if crdt.Equal(previous, encoded) {
			continue
		}
		if err := view.Put(encoded, crdt.TagFromStore); err != nil {
			glog.Infof("[m]push %s error = %s\n", binding.Key, err)
			continue
		}
		session.lastOutbound[binding.Key] = encoded
		glog.V(2).Infof("[m]push %s\n", binding.Key)
	}

	if session.persister != nil {
		session.persister.Schedule()
	}
}

func (self *Controller[S]) onDocChange(session *session[S], event *crdt.ChangeEvent) {
	if !session.isActive() {
		return
	}
	if event.HasTag(crdt.TagFromStore) {
		// made by the push path on this goroutine, which holds `syncLock`
		self.applyEvent(session, event)
		return
	}

	self.syncLock.Lock()
	defer self.syncLock.Unlock()

	self.direction.Store(int32(SyncApplyingFromDoc))
	defer self.direction.Store(int32(SyncIdle))

	self.applyEvent(session, event)

	if session.persister != nil {
		session.persister.Schedule()
	}
}

// must be called with `syncLock`
func (self *Controller[S]) applyEvent(session *session[S], event *crdt.ChangeEvent) {
	for _, binding := range session.bindings {
		if event.Affects(binding.Key) {
			self.applyBinding(session, binding)
		}
	}
}

// must be called with `syncLock`
func (self *Controller[S]) applyBinding(session *session[S], binding *Binding[S]) {
	view := session.views[binding.Key]
	stored, ok := view.Stored()
	if !ok {
		// removed keys are not applied. the store keeps its last value.
		delete(session.lastOutbound, binding.Key)
		return
	}
	value, err := binding.Shape.Decode(stored)
	if err != nil {
		glog.Infof("[m]apply %s: %s\n", binding.Key, err)
		return
	}
	session.lastOutbound[binding.Key] = stored
	binding.Apply(value, self.setter())
	glog.V(2).Infof("[m]apply %s\n", binding.Key)
}

func (self *Controller[S]) reapply(session *session[S]) {
	self.syncLock.Lock()
	defer self.syncLock.Unlock()

	self.direction.Store(int32(SyncApplyingFromDoc))
	defer self.direction.Store(int32(SyncIdle))

	for _, binding := range session.bindings {
		self.applyBinding(session, binding)
	}
}
