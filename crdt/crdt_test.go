package crdt

import (
	"errors"
	"flag"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestDocumentSetGet(t *testing.T) {
	doc := NewDocument()

	_, ok := doc.Get("counter")
	assert.Equal(t, ok, false)

	err := doc.Set("counter", int64(42))
	assert.Equal(t, err, nil)
	err = doc.Set("name", "a")
	assert.Equal(t, err, nil)

	value, ok := doc.Get("counter")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, int64(42))

	value, ok = doc.Get("name")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "a")

	err = doc.Delete("name")
	assert.Equal(t, err, nil)
	_, ok = doc.Get("name")
	assert.Equal(t, ok, false)
}

func TestDocumentLocalUpdates(t *testing.T) {
	a := NewDocument()
	b := NewDocument()

	updates := [][]byte{}
	unsub := a.SubscribeLocalUpdates(func(update []byte) {
		updates = append(updates, update)
	})

	events := []*ChangeEvent{}
	a.SubscribeChanges(func(event *ChangeEvent) {
		events = append(events, event)
	})

	a.Set("counter", int64(1), TagFromStore)
	a.Set("counter", int64(2), TagFromStore)

	assert.Equal(t, len(updates), 2)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].Local, true)
	assert.Equal(t, events[0].HasTag(TagFromStore), true)
	assert.Equal(t, events[0].Affects("counter"), true)
	assert.Equal(t, events[0].Affects("other"), false)

	bEvents := []*ChangeEvent{}
	b.SubscribeChanges(func(event *ChangeEvent) {
		bEvents = append(bEvents, event)
	})
	bUpdates := 0
	b.SubscribeLocalUpdates(func(update []byte) {
		bUpdates += 1
	})

	for _, update := range updates {
		err := b.Import(update)
		assert.Equal(t, err, nil)
	}
	value, ok := b.Get("counter")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, int64(2))
	assert.Equal(t, len(bEvents), 2)
	assert.Equal(t, bEvents[0].HasTag(TagImport), true)
	assert.Equal(t, bEvents[0].Affects("anything"), true)
	// imports are never re-emitted as local updates
	assert.Equal(t, bUpdates, 0)

	// re-importing known changes is not a change
	err := b.Import(updates[1])
	assert.Equal(t, err, nil)
	assert.Equal(t, len(bEvents), 2)

	unsub()
	a.Set("counter", int64(3))
	assert.Equal(t, len(updates), 2)
}

func TestDocumentSnapshot(t *testing.T) {
	a := NewDocument()
	a.Set("title", "hello")
	a.Set("flag", true)

	snapshot := a.Snapshot()
	assert.NotEqual(t, len(snapshot), 0)
	assert.Equal(t, len(snapshot) > EmptySnapshotLen(), true)

	b, err := LoadDocument(snapshot)
	assert.Equal(t, err, nil)
	value, _ := b.Get("title")
	assert.Equal(t, value, "hello")

	c := NewDocument()
	err = c.Import(snapshot, TagStorage)
	assert.Equal(t, err, nil)
	value, _ = c.Get("flag")
	assert.Equal(t, value, true)

	_, err = LoadDocument([]byte("not automerge"))
	assert.NotEqual(t, err, nil)
}

func TestShapeCodec(t *testing.T) {
	stored, err := ShapeInt.Encode(7)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, int64(7))

	_, err = ShapeInt.Encode("7")
	assert.NotEqual(t, err, nil)

	stored, err = ShapeFloat.Encode(3)
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, float64(3))

	stored, err = ShapeJSON.Encode(map[string]any{"b": 1, "a": []int{1, 2}})
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, `{"a":[1,2],"b":1}`)

	value, err := ShapeJSON.Decode(stored)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, map[string]any{"a": []any{float64(1), float64(2)}, "b": float64(1)})

	_, err = ShapeJSON.Decode(int64(1))
	assert.NotEqual(t, err, nil)

	_, err = ShapeUnknown.Encode(1)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ShapeUnknown.Valid(), false)
	assert.Equal(t, ShapeBytes.Valid(), true)
}

func TestShapeIntRange(t *testing.T) {
	stored, err := ShapeInt.Encode(uint64(math.MaxInt64))
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, int64(math.MaxInt64))

	_, err = ShapeInt.Encode(uint64(math.MaxInt64) + 1)
	assert.Equal(t, errors.Is(err, ErrShapeMismatch), true)
	_, err = ShapeInt.Encode(uint(math.MaxUint64))
	assert.Equal(t, errors.Is(err, ErrShapeMismatch), true)

	// 2^63 is integral but above MaxInt64
	_, err = ShapeInt.Encode(float64(math.MaxInt64))
	assert.Equal(t, errors.Is(err, ErrShapeMismatch), true)
	_, err = ShapeInt.Encode(1e300)
	assert.Equal(t, errors.Is(err, ErrShapeMismatch), true)
	stored, err = ShapeInt.Encode(float64(math.MinInt64))
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, int64(math.MinInt64))

	doc := NewDocument()
	err = doc.Set("small", uint64(5))
	assert.Equal(t, err, nil)
	value, _ := doc.Get("small")
	assert.Equal(t, value, int64(5))

	err = doc.Set("big", uint64(math.MaxUint64))
	assert.Equal(t, err, nil)
	value, ok := doc.Get("big")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, uint64(math.MaxUint64))
	_, err = ShapeInt.Decode(value)
	assert.Equal(t, errors.Is(err, ErrShapeMismatch), true)
}

func TestEqual(t *testing.T) {
	assert.Equal(t, Equal(int64(1), int64(1)), true)
	assert.Equal(t, Equal(int64(1), float64(1)), false)
	assert.Equal(t, Equal([]byte("a"), []byte("a")), true)
	assert.Equal(t, Equal([]byte("a"), "a"), false)
	assert.Equal(t, Equal(nil, nil), true)
	assert.Equal(t, Equal(nil, ""), false)
}

func TestAs(t *testing.T) {
	type Point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	n, err := As[int](int64(42))
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 42)

	p, err := As[Point](map[string]any{"x": float64(1), "y": float64(2)})
	assert.Equal(t, err, nil)
	assert.Equal(t, p, Point{X: 1, Y: 2})

	s, err := As[string](nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, s, "")

	_, err = As[int]("x")
	assert.NotEqual(t, err, nil)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	removeA := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	assert.Equal(t, callbacks.Len(), 2)

	removeA()
	assert.Equal(t, callbacks.Len(), 1)
	assert.Equal(t, callbacks.Get()[0](), 2)

	// removing twice is a no-op
	removeA()
	assert.Equal(t, callbacks.Len(), 1)
}

func TestShapeParse(t *testing.T) {
	shape, err := ParseShape("int")
	assert.Equal(t, err, nil)
	assert.Equal(t, shape, ShapeInt)

	_, err = ParseShape("decimal")
	assert.NotEqual(t, err, nil)

	value, err := ShapeInt.Parse("42")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, int64(42))

	_, err = ShapeInt.Parse("forty-two")
	assert.NotEqual(t, err, nil)

	value, err = ShapeBool.Parse("true")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, true)

	value, err = ShapeJSON.Parse(`{"a":[1,2]}`)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, map[string]any{"a": []any{float64(1), float64(2)}})

	value, err = ShapeString.Parse("42")
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "42")
}
