package datalist

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Fetcher supplies the data behind a [Vector].
type Fetcher[T any] interface {
	FetchCount(ctx context.Context) (int, error)
	FetchItem(ctx context.Context, index int) (T, error)
	IndexOf(item T) int
}

// ChangeKind is the kind of a [Change].
type ChangeKind int

const (
	ChangeReset ChangeKind = iota
	ChangeAdd
	ChangeRemove
	ChangeReplace
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeReset:
		return "Reset"
	case ChangeAdd:
		return "Add"
	case ChangeRemove:
		return "Remove"
	case ChangeReplace:
		return "Replace"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is a collection notification. Add and Remove cover Count items
// starting at Index. Replace covers one item and carries the old and new
// values; a Replace for an item that is still loading carries zero values.
type Change[T any] struct {
	Kind  ChangeKind
	Index int
	Count int
	Old   T
	New   T
}

// Property names passed to OnPropertyChange callbacks.
const (
	PropertyCount             = "Count"
	PropertyItems             = "Items[]"
	PropertyIsLoading         = "IsLoading"
	PropertyHasMoreItems      = "HasMoreItems"
	PropertyMinimumPagingSize = "MinimumPagingSize"
)

type cellState uint8

const (
	cellUnfetched cellState = iota
	cellPending
	cellResolved
)

// pendingFetch tracks an item fetch in flight. index follows the cell as
// items are inserted and removed in front of it.
type pendingFetch struct {
	index     int
	cancelled bool
}

type cell[T any] struct {
	state   cellState
	value   T
	pending *pendingFetch
}

type countState uint8

const (
	countUnresolved countState = iota
	countPending
	countResolved
)

// Vector is a read-only list whose count and items are fetched on demand.
//
// Reading the length starts the count fetch and reports 0 until it
// resolves. Reading an item that has not been fetched starts its fetch and
// returns the zero value; when the fetch completes the item is stored and a
// Replace change is delivered.
//
// Reads are answered on the calling goroutine. Fetch results and the
// structural changes made by [Vector.ItemsAdded], [Vector.ItemsRemoved] and
// [Vector.Reset] are applied on the vector's [Dispatcher], in the order they
// were posted, and every notification is delivered there after the state
// change it describes.
type Vector[T any] struct {
	fetcher  Fetcher[T]
	dispatch Dispatcher
	ctx      context.Context
	cancel   context.CancelFunc

	changes listeners[Change[T]]
	props   listeners[string]
	errs    listeners[error]

	mu         sync.Mutex
	generation uint64
	count      countState
	loading    bool
	closed     bool
	cells      []cell[T]
}

// NewVector creates a vector over f.
func NewVector[T any](f Fetcher[T], opts ...Option) (*Vector[T], error) {
	if f == nil {
		return nil, fmt.Errorf("%w: fetcher is nil", ErrInvalidArgument)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return newVector(f, o), nil
}

// MustNewVector is like [NewVector] but panics on error.
func MustNewVector[T any](f Fetcher[T], opts ...Option) *Vector[T] {
	v, err := NewVector(f, opts...)
	if err != nil {
		panic(err)
	}
	return v
}

func newVector[T any](f Fetcher[T], o options) *Vector[T] {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Vector[T]{
		fetcher:  f,
		dispatch: o.dispatcher,
		ctx:      ctx,
		cancel:   cancel,
	}
	if v.dispatch == nil {
		loop := NewLoop()
		go loop.Run(ctx)
		v.dispatch = loop
	}
	return v
}

// Len returns the number of items. The first call starts the count fetch
// and returns 0.
func (v *Vector[T]) Len() int {
	v.mu.Lock()
	if v.count != countUnresolved || v.closed {
		n := len(v.cells)
		v.mu.Unlock()
		return n
	}
	v.count = countPending
	v.loading = true
	gen := v.generation
	v.mu.Unlock()

	// posted before the fetch starts, so it is delivered before the result
	v.dispatch.Post(func() { v.props.emit(PropertyIsLoading) })
	go v.fetchCount(gen)
	return 0
}

// IsLoading reports whether the count fetch is in flight.
func (v *Vector[T]) IsLoading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.loading
}

func (v *Vector[T]) fetchCount(gen uint64) {
	ctx, span := startSpan(v.ctx, "datalist.Vector.FetchCount")
	count, err := v.fetcher.FetchCount(ctx)
	if err == nil && count < 0 {
		err = outOfRange("count", count)
	}
	endSpan(span, err)

	v.dispatch.Post(func() {
		v.applyCount(gen, count, err)
	})
}

func (v *Vector[T]) applyCount(gen uint64, count int, err error) {
	v.mu.Lock()
	if v.closed || gen != v.generation {
		v.mu.Unlock()
		Logger().Debug("discarding stale count", zap.Uint64("generation", gen))
		return
	}

	v.loading = false
	if err != nil {
		v.count = countUnresolved
		v.mu.Unlock()

		Logger().Warn("count fetch failed", zap.Error(err))
		incr(v.ctx, meter().fetchErrors, attribute.String("op", "count"))
		v.props.emit(PropertyIsLoading)
		v.errs.emit(&FetchError{Op: "count", Index: -1, Err: err})
		return
	}

	v.count = countResolved
	changed := count != len(v.cells)
	if changed {
		v.cells = make([]cell[T], count)
	}
	v.mu.Unlock()

	v.props.emit(PropertyIsLoading)
	if changed {
		v.emitStructural(Change[T]{Kind: ChangeReset})
	}
}

// At returns the item at index. An item that is not loaded yet reads as
// the zero value; use [Vector.Loaded] to tell the two apart.
func (v *Vector[T]) At(index int) (T, error) {
	var zero T

	v.mu.Lock()
	if index < 0 || index >= len(v.cells) {
		n := len(v.cells)
		v.mu.Unlock()
		return zero, indexOutOfRange(index, n)
	}

	c := &v.cells[index]
	switch c.state {
	case cellResolved:
		value := c.value
		v.mu.Unlock()
		return value, nil
	case cellPending:
		v.mu.Unlock()
		return zero, nil
	}

	p := &pendingFetch{index: index}
	c.state = cellPending
	c.pending = p
	gen := v.generation
	closed := v.closed
	v.mu.Unlock()

	if !closed {
		go v.fetchItem(gen, p, index)
	}
	return zero, nil
}

// Loaded reports whether the item at index has been fetched.
func (v *Vector[T]) Loaded(index int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return index >= 0 && index < len(v.cells) && v.cells[index].state == cellResolved
}

func (v *Vector[T]) fetchItem(gen uint64, p *pendingFetch, index int) {
	ctx, span := startSpan(v.ctx, "datalist.Vector.FetchItem", attribute.Int("index", index))
	incr(ctx, meter().itemFetches)
	item, err := v.fetcher.FetchItem(ctx, index)
	endSpan(span, err)

	v.dispatch.Post(func() {
		v.applyItem(gen, p, item, err)
	})
}

func (v *Vector[T]) applyItem(gen uint64, p *pendingFetch, item T, err error) {
	v.mu.Lock()
	index := p.index
	if v.closed || gen != v.generation || p.cancelled {
		v.mu.Unlock()
		Logger().Debug("discarding stale item", zap.Int("index", index))
		return
	}

	c := &v.cells[index]
	c.pending = nil
	if err != nil {
		c.state = cellUnfetched
		v.mu.Unlock()

		Logger().Warn("item fetch failed", zap.Int("index", index), zap.Error(err))
		incr(v.ctx, meter().fetchErrors, attribute.String("op", "item"))
		v.errs.emit(&FetchError{Op: "item", Index: index, Err: err})
		return
	}

	c.state = cellResolved
	c.value = item
	v.mu.Unlock()

	v.changes.emit(Change[T]{Kind: ChangeReplace, Index: index, Count: 1, New: item})
}

// ItemsAdded records that count items were inserted at index. The change
// is applied on the dispatcher after anything already posted there; the new
// items are unfetched. If the count is not known yet, or index lies beyond
// the length at that point, the vector resets instead.
func (v *Vector[T]) ItemsAdded(index, count int) error {
	if index < 0 {
		return outOfRange("index", index)
	}
	if count <= 0 {
		return outOfRange("count", count)
	}

	v.dispatch.Post(func() {
		if err := v.itemsAdded(index, count); err != nil {
			Logger().Warn("added items do not fit, resetting", zap.Error(err))
			v.reset()
		}
	})
	return nil
}

// ItemsRemoved records that count items were removed at index. The change
// is applied on the dispatcher like [Vector.ItemsAdded]; fetches in flight
// for removed items are dropped.
func (v *Vector[T]) ItemsRemoved(index, count int) error {
	if index < 0 {
		return outOfRange("index", index)
	}
	if count <= 0 {
		return outOfRange("count", count)
	}

	v.dispatch.Post(func() {
		if err := v.itemsRemoved(index, count); err != nil {
			Logger().Warn("removed items do not fit, resetting", zap.Error(err))
			v.reset()
		}
	})
	return nil
}

// itemsAdded runs on the dispatcher.
func (v *Vector[T]) itemsAdded(index, count int) error {
	if index < 0 || count <= 0 {
		return fmt.Errorf("%w: index %d, count %d", ErrOutOfRange, index, count)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	if v.count != countResolved {
		v.mu.Unlock()
		v.reset()
		return nil
	}
	if index > len(v.cells) {
		n := len(v.cells)
		v.mu.Unlock()
		return indexOutOfRange(index, n)
	}

	v.cells = slices.Insert(v.cells, index, make([]cell[T], count)...)
	moved := v.retarget(index + count)
	v.mu.Unlock()

	v.emitShift(Change[T]{Kind: ChangeAdd, Index: index, Count: count}, moved)
	return nil
}

// itemsRemoved runs on the dispatcher.
func (v *Vector[T]) itemsRemoved(index, count int) error {
	if index < 0 || count <= 0 {
		return fmt.Errorf("%w: index %d, count %d", ErrOutOfRange, index, count)
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	if v.count != countResolved {
		v.mu.Unlock()
		v.reset()
		return nil
	}
	if index+count > len(v.cells) {
		n := len(v.cells)
		v.mu.Unlock()
		return fmt.Errorf("%w: remove %d at %d, count %d", ErrOutOfRange, count, index, n)
	}

	for i := index; i < index+count; i++ {
		if p := v.cells[i].pending; p != nil {
			p.cancelled = true
		}
	}
	v.cells = slices.Delete(v.cells, index, index+count)
	moved := v.retarget(index)
	v.mu.Unlock()

	v.emitShift(Change[T]{Kind: ChangeRemove, Index: index, Count: count}, moved)
	return nil
}

// retarget assumes the mutex is held. It points pending fetches from index
// from onwards at their current cell and returns the indexes that moved.
func (v *Vector[T]) retarget(from int) []int {
	var moved []int
	for i := from; i < len(v.cells); i++ {
		if p := v.cells[i].pending; p != nil && p.index != i {
			p.index = i
			moved = append(moved, i)
		}
	}
	return moved
}

// Reset discards the count and every item once the dispatcher gets to it.
// The next [Vector.Len] fetches the count again; a count fetch already in
// flight is replaced by a fresh one.
func (v *Vector[T]) Reset() {
	v.dispatch.Post(v.reset)
}

// reset runs on the dispatcher.
func (v *Vector[T]) reset() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.generation++
	v.cells = nil
	refetch := v.count == countPending
	if !refetch {
		v.count = countUnresolved
	}
	gen := v.generation
	v.mu.Unlock()

	if refetch {
		go v.fetchCount(gen)
	}
	v.emitStructural(Change[T]{Kind: ChangeReset})
}

// resetResolved empties the vector and marks the empty count as known.
func (v *Vector[T]) resetResolved() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.generation++
	v.cells = nil
	v.count = countResolved
	v.mu.Unlock()

	v.emitStructural(Change[T]{Kind: ChangeReset})
}

// appendResolved adds already fetched items at the end, one Add change per
// item.
func (v *Vector[T]) appendResolved(items []T) {
	if len(items) == 0 {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	start := len(v.cells)
	for _, item := range items {
		v.cells = append(v.cells, cell[T]{state: cellResolved, value: item})
	}
	v.mu.Unlock()

	for i, item := range items {
		v.changes.emit(Change[T]{Kind: ChangeAdd, Index: start + i, Count: 1, New: item})
	}
	v.props.emit(PropertyCount)
	v.props.emit(PropertyItems)
}

func (v *Vector[T]) emitShift(change Change[T], moved []int) {
	v.changes.emit(change)
	for _, i := range moved {
		v.changes.emit(Change[T]{Kind: ChangeReplace, Index: i, Count: 1})
	}
	v.props.emit(PropertyCount)
	v.props.emit(PropertyItems)
}

func (v *Vector[T]) emitStructural(change Change[T]) {
	v.changes.emit(change)
	v.props.emit(PropertyCount)
	v.props.emit(PropertyItems)
}

// IndexOf returns the index of item as reported by the fetcher, or -1 when
// it lies outside the vector.
func (v *Vector[T]) IndexOf(item T) int {
	index := v.fetcher.IndexOf(item)

	v.mu.Lock()
	n := len(v.cells)
	v.mu.Unlock()

	if index < 0 || index >= n {
		return -1
	}
	return index
}

// Contains reports whether IndexOf finds item.
func (v *Vector[T]) Contains(item T) bool {
	return v.IndexOf(item) >= 0
}

// Snapshot returns the current items. Items not loaded yet are zero values.
// It does not start any fetch.
func (v *Vector[T]) Snapshot() []T {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]T, len(v.cells))
	for i, c := range v.cells {
		if c.state == cellResolved {
			out[i] = c.value
		}
	}
	return out
}

// ReadOnly is always true.
func (v *Vector[T]) ReadOnly() bool {
	return true
}

func (v *Vector[T]) Set(int, T) error {
	return readOnly("set")
}

func (v *Vector[T]) Insert(int, T) error {
	return readOnly("insert")
}

func (v *Vector[T]) RemoveAt(int) error {
	return readOnly("remove")
}

func (v *Vector[T]) Clear() error {
	return readOnly("clear")
}

func readOnly(op string) error {
	return fmt.Errorf("%w: %s on a read-only list", ErrInvalidOperation, op)
}

// OnChange registers fn for collection changes.
func (v *Vector[T]) OnChange(fn func(Change[T])) (unsubscribe func()) {
	return v.changes.add(fn)
}

// OnPropertyChange registers fn for property changes, see the Property
// constants.
func (v *Vector[T]) OnPropertyChange(fn func(name string)) (unsubscribe func()) {
	return v.props.add(fn)
}

// OnError registers fn for fetch failures. Errors are *[FetchError] values
// or, for multi-item loads, a combination of them.
func (v *Vector[T]) OnError(fn func(error)) (unsubscribe func()) {
	return v.errs.add(fn)
}

func (v *Vector[T]) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.closed
}

// Close cancels fetches in flight and stops the vector's own loop, if it
// started one. Results arriving afterwards are dropped.
func (v *Vector[T]) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()

	v.cancel()
}
