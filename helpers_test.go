package datalist

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// observeLogs routes the package logger into memory for the rest of the
// test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })
	return logs
}

// itemAt is the value every fake holds at index i: 2, 4, 6, ...
func itemAt(i int) int {
	return 2*i + 2
}

func makeItems(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = itemAt(i)
	}
	return items
}

// listSource is an in-memory Source. When gate is set, fetches wait for it
// to be closed.
type listSource struct {
	observers Observers

	mu             sync.Mutex
	items          []int
	gate           chan struct{}
	failItems      map[int]error
	countCalls     int
	itemCalls      int
	subscribeCalls int
}

func newListSource(n int) *listSource {
	return &listSource{items: makeItems(n)}
}

func (s *listSource) wait(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *listSource) Count(ctx context.Context) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.countCalls++
	return len(s.items), nil
}

func (s *listSource) Item(ctx context.Context, index int) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.itemCalls++
	if err := s.failItems[index]; err != nil {
		return 0, err
	}
	if index < 0 || index >= len(s.items) {
		return 0, indexOutOfRange(index, len(s.items))
	}
	return s.items[index], nil
}

func (s *listSource) IndexOf(item int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Index(s.items, item)
}

func (s *listSource) Subscribe(o Observer) func() {
	s.mu.Lock()
	s.subscribeCalls++
	s.mu.Unlock()

	return s.observers.Add(o)
}

func (s *listSource) setCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = makeItems(n)
}

func (s *listSource) calls() (count, item int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.countCalls, s.itemCalls
}

func (s *listSource) emit(u Update) {
	s.observers.Notify(u)
}

// recorder collects notifications from a list.
type recorder[T any] struct {
	mu      sync.Mutex
	updates []Update
	changes []Change[T]
	props   []string
	errs    []error
}

func (r *recorder[T]) observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, u)
}

func (r *recorder[T]) change(c Change[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.changes = append(r.changes, c)
}

func (r *recorder[T]) prop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.props = append(r.props, name)
}

func (r *recorder[T]) err(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

func (r *recorder[T]) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = nil
	r.changes = nil
	r.props = nil
	r.errs = nil
}

// propCount returns how often name was notified.
func (r *recorder[T]) propCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.props {
		if p == name {
			n++
		}
	}
	return n
}

// changesOf returns the changes of the given kind.
func (r *recorder[T]) changesOf(kind ChangeKind) []Change[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Change[T]
	for _, c := range r.changes {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type notifier[T any] interface {
	OnChange(func(Change[T])) func()
	OnPropertyChange(func(string)) func()
	OnError(func(error)) func()
}

func record[T any](n notifier[T]) *recorder[T] {
	r := &recorder[T]{}
	n.OnChange(r.change)
	n.OnPropertyChange(r.prop)
	n.OnError(r.err)
	return r
}
