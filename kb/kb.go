package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/model"
)

var (
	// ErrObjectExists is returned when adding an object whose ID is taken.
	ErrObjectExists = errors.New("object already exists")
	// ErrObjectNotFound is returned for unknown object IDs.
	ErrObjectNotFound = errors.New("object not found")
	// ErrStaleHandle is returned for handles whose object was removed.
	ErrStaleHandle = errors.New("stale object handle")
	// ErrInvalidObject is returned for objects without an ID.
	ErrInvalidObject = errors.New("invalid object")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventObjectAdded EventType = iota
	EventObjectRemoved
	EventObjectReadyChanged
	EventObjectReprojected
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type   EventType
	Handle core.Handle
	Object model.SceneObject
	// EnginePosition is the engine-absolute position after reprojection.
	EnginePosition r3.Vec
}

// Projector converts ECEF metres to engine-absolute coordinates using the
// current transform chain.
type Projector func(ecef r3.Vec) r3.Vec

// Object is the live record behind a handle. It implements
// core.Georeferenced.
type Object struct {
	kb        *KnowledgeBase
	handle    core.Handle
	def       model.SceneObject
	ecef      r3.Vec
	enginePos r3.Vec
	projected bool
}

type slot struct {
	generation uint32
	obj        *Object
}

// KnowledgeBase is an in-memory, thread-safe store of georeferenced scene
// objects addressed by generation-checked handles.
type KnowledgeBase struct {
	mu sync.RWMutex

	slots []slot
	free  []uint32
	byID  map[string]core.Handle

	projector Projector
	subs      []subscriber
	nextSubID uint64
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		byID: make(map[string]core.Handle),
	}
}

// SetProjector installs the function used to reproject objects when the
// georeference notifies them.
func (kb *KnowledgeBase) SetProjector(p Projector) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.projector = p
}

// Add stores a new object and returns its handle. It returns an error if
// the ID already exists.
func (kb *KnowledgeBase) Add(def model.SceneObject) (core.Handle, error) {
	if def.ID == "" {
		return core.Handle{}, fmt.Errorf("%w: empty ID", ErrInvalidObject)
	}

	kb.mu.Lock()
	if _, exists := kb.byID[def.ID]; exists {
		kb.mu.Unlock()
		return core.Handle{}, fmt.Errorf("%w: %q", ErrObjectExists, def.ID)
	}

	var index uint32
	if n := len(kb.free); n > 0 {
		index = kb.free[n-1]
		kb.free = kb.free[:n-1]
	} else {
		index = uint32(len(kb.slots))
		kb.slots = append(kb.slots, slot{})
	}
	s := &kb.slots[index]
	s.generation++
	h := core.Handle{Index: index, Generation: s.generation}
	obj := &Object{
		kb:     kb,
		handle: h,
		def:    def,
		ecef:   toEcef(def),
	}
	s.obj = obj
	kb.byID[def.ID] = h

	event := Event{Type: EventObjectAdded, Handle: h, Object: def}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return h, nil
}

// Remove deletes the object with the given ID. Its handle becomes stale.
func (kb *KnowledgeBase) Remove(id string) error {
	kb.mu.Lock()
	h, ok := kb.byID[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrObjectNotFound, id)
	}
	s := &kb.slots[h.Index]
	def := s.obj.def
	s.obj = nil
	s.generation++
	kb.free = append(kb.free, h.Index)
	delete(kb.byID, id)

	event := Event{Type: EventObjectRemoved, Handle: h, Object: def}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Handle returns the live handle for id.
func (kb *KnowledgeBase) Handle(id string) (core.Handle, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	h, ok := kb.byID[id]
	return h, ok
}

// Lookup returns the object definition behind h.
func (kb *KnowledgeBase) Lookup(h core.Handle) (model.SceneObject, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	obj := kb.liveLocked(h)
	if obj == nil {
		return model.SceneObject{}, fmt.Errorf("%w: %+v", ErrStaleHandle, h)
	}
	return obj.def, nil
}

// Get returns the object with the given ID, or false if not found.
func (kb *KnowledgeBase) Get(id string) (model.SceneObject, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	h, ok := kb.byID[id]
	if !ok {
		return model.SceneObject{}, false
	}
	return kb.slots[h.Index].obj.def, true
}

// EnginePosition returns the last reprojected engine-absolute position of
// id. It reports false until the object has been notified at least once.
func (kb *KnowledgeBase) EnginePosition(id string) (r3.Vec, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	h, ok := kb.byID[id]
	if !ok {
		return r3.Vec{}, false
	}
	obj := kb.slots[h.Index].obj
	return obj.enginePos, obj.projected
}

// List returns a snapshot of all objects sorted by ID.
func (kb *KnowledgeBase) List() []model.SceneObject {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]model.SceneObject, 0, len(kb.byID))
	for _, h := range kb.byID {
		res = append(res, kb.slots[h.Index].obj.def)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// SetReady updates whether a tileset's bounding volume is available.
func (kb *KnowledgeBase) SetReady(id string, ready bool) error {
	kb.mu.Lock()
	h, ok := kb.byID[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrObjectNotFound, id)
	}
	obj := kb.slots[h.Index].obj
	if obj.def.Ready == ready {
		kb.mu.Unlock()
		return nil
	}
	obj.def.Ready = ready
	event := Event{Type: EventObjectReadyChanged, Handle: h, Object: obj.def}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Resolve implements core.ObjectResolver. Stale handles resolve to false.
func (kb *KnowledgeBase) Resolve(h core.Handle) (core.Georeferenced, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	obj := kb.liveLocked(h)
	if obj == nil {
		return nil, false
	}
	return obj, true
}

type subscriber struct {
	id uint64
	fn func(Event)
}

// Subscribe registers a callback for KB events. Callbacks run in
// subscription order, outside the KB lock. The returned function removes
// this callback and is safe to call more than once.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nextSubID++
	id := kb.nextSubID
	kb.subs = append(kb.subs, subscriber{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, sub := range kb.subs {
			if sub.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

// subscribersLocked snapshots the callbacks so they can run unlocked.
func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	out := make([]func(Event), len(kb.subs))
	for i, sub := range kb.subs {
		out[i] = sub.fn
	}
	return out
}

func (kb *KnowledgeBase) liveLocked(h core.Handle) *Object {
	if int(h.Index) >= len(kb.slots) {
		return nil
	}
	s := kb.slots[h.Index]
	if s.obj == nil || s.generation != h.Generation {
		return nil
	}
	return s.obj
}

func (kb *KnowledgeBase) reproject(o *Object) {
	kb.mu.Lock()
	if kb.liveLocked(o.handle) != o || kb.projector == nil {
		kb.mu.Unlock()
		return
	}
	o.enginePos = kb.projector(o.ecef)
	o.projected = true
	event := Event{Type: EventObjectReprojected, Handle: o.handle, Object: o.def, EnginePosition: o.enginePos}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
}

// IsBoundingVolumeReady implements core.Georeferenced.
func (o *Object) IsBoundingVolumeReady() bool {
	o.kb.mu.RLock()
	defer o.kb.mu.RUnlock()
	return o.def.Kind == model.ObjectKindTileset && o.def.Ready
}

// BoundingVolumeCenter implements core.Georeferenced. Anchors have no
// bounding volume.
func (o *Object) BoundingVolumeCenter() (r3.Vec, bool) {
	if o.def.Kind != model.ObjectKindTileset {
		return r3.Vec{}, false
	}
	return o.ecef, true
}

// NotifyGeoreferenceUpdated implements core.Georeferenced.
func (o *Object) NotifyGeoreferenceUpdated() {
	o.kb.reproject(o)
}

func toEcef(def model.SceneObject) r3.Vec {
	return core.WGS84.CartographicToCartesian(core.CartographicFromDegrees(core.LLH{
		Longitude: def.Longitude,
		Latitude:  def.Latitude,
		Height:    def.Height,
	}))
}
