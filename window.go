package datalist

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type windowKind int

const (
	windowSkip windowKind = iota
	windowTake
)

func (k windowKind) String() string {
	if k == windowSkip {
		return "skip"
	}
	return "take"
}

// Window is a [Source] exposing a contiguous range of another source. It is
// created with [Skip] or [Take] and can be stacked.
//
// A window holds a single subscription on its upstream source, shared by all
// of its observers. While subscribed it tracks the upstream count so that
// upstream updates can be translated into window coordinates.
type Window[T any] struct {
	src  Source[T]
	n    int
	kind windowKind

	observers Observers

	mu         sync.Mutex
	refs       int
	release    func()
	srcCount   int
	countKnown bool
}

var _ Source[int] = (*Window[int])(nil)

// Skip returns a window that bypasses the first n items of src.
func Skip[T any](src Source[T], n int) (*Window[T], error) {
	return newWindow(src, n, windowSkip)
}

// Take returns a window over at most the first n items of src.
func Take[T any](src Source[T], n int) (*Window[T], error) {
	return newWindow(src, n, windowTake)
}

// MustSkip is like [Skip] but panics on invalid arguments.
func MustSkip[T any](src Source[T], n int) *Window[T] {
	w, err := Skip(src, n)
	if err != nil {
		panic(err)
	}
	return w
}

// MustTake is like [Take] but panics on invalid arguments.
func MustTake[T any](src Source[T], n int) *Window[T] {
	w, err := Take(src, n)
	if err != nil {
		panic(err)
	}
	return w
}

func newWindow[T any](src Source[T], n int, kind windowKind) (*Window[T], error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrInvalidArgument)
	}
	if n < 0 {
		return nil, outOfRange(kind.String(), n)
	}
	return &Window[T]{src: src, n: n, kind: kind}, nil
}

// windowed maps an upstream count to the window's count.
func (w *Window[T]) windowed(count int) int {
	if w.kind == windowSkip {
		return max(0, count-w.n)
	}
	return min(w.n, count)
}

func (w *Window[T]) Count(ctx context.Context) (int, error) {
	count, err := w.src.Count(ctx)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	w.srcCount = count
	w.countKnown = true
	w.mu.Unlock()

	return w.windowed(count), nil
}

func (w *Window[T]) Item(ctx context.Context, index int) (T, error) {
	var zero T
	if index < 0 {
		return zero, outOfRange("index", index)
	}

	count, err := w.Count(ctx)
	if err != nil {
		return zero, err
	}
	if index >= count {
		return zero, indexOutOfRange(index, count)
	}

	if w.kind == windowSkip {
		return w.src.Item(ctx, index+w.n)
	}
	return w.src.Item(ctx, index)
}

func (w *Window[T]) IndexOf(item T) int {
	index := w.src.IndexOf(item)
	if index < 0 {
		return -1
	}

	if w.kind == windowSkip {
		if index < w.n {
			return -1
		}
		return index - w.n
	}
	if index >= w.n {
		return -1
	}
	return index
}

func (w *Window[T]) Subscribe(o Observer) (unsubscribe func()) {
	w.mu.Lock()
	w.refs++
	if w.refs == 1 {
		w.release = w.src.Subscribe(ObserverFunc(w.update))
	}
	w.mu.Unlock()

	remove := w.observers.Add(o)

	var once sync.Once
	return func() {
		once.Do(func() {
			remove()

			w.mu.Lock()
			w.refs--
			var release func()
			if w.refs == 0 {
				release = w.release
				w.release = nil
				// updates are missed from here on
				w.countKnown = false
			}
			w.mu.Unlock()

			if release != nil {
				release()
			}
		})
	}
}

// update translates an upstream update into window coordinates and forwards
// the result.
func (w *Window[T]) update(u Update) {
	if u.Action == ActionReset {
		w.mu.Lock()
		w.countKnown = false
		w.mu.Unlock()

		w.observers.Notify(u)
		return
	}

	w.mu.Lock()
	if !w.countKnown {
		w.mu.Unlock()

		Logger().Debug("window count unknown, forwarding reset",
			zap.Stringer("window", w.kind),
			zap.Int("n", w.n),
			zap.Stringer("update", u),
		)
		w.observers.Notify(NewReset())
		return
	}

	var out []Update
	if w.kind == windowSkip {
		out = w.translateSkip(u)
	} else {
		out = w.translateTake(u)
	}
	w.mu.Unlock()

	for _, o := range out {
		w.observers.Notify(o)
	}
}

// translateSkip assumes the mutex is held and updates the tracked count.
func (w *Window[T]) translateSkip(u Update) []Update {
	before := w.srcCount
	switch u.Action {
	case ActionAdd:
		w.srcCount += u.Count
	case ActionRemove:
		w.srcCount = max(0, w.srcCount-u.Count)
	}

	if u.Index >= w.n {
		count := u.Count
		if u.Action == ActionRemove {
			count = min(count, before-u.Index)
		}
		if count <= 0 {
			return nil
		}
		return []Update{{Action: u.Action, Index: u.Index - w.n, Count: count}}
	}

	// the change starts before the window, which shifts by the difference
	delta := w.windowed(w.srcCount) - w.windowed(before)
	switch {
	case delta > 0:
		return []Update{{Action: ActionAdd, Index: 0, Count: delta}}
	case delta < 0:
		return []Update{{Action: ActionRemove, Index: 0, Count: -delta}}
	}
	return nil
}

// translateTake assumes the mutex is held and updates the tracked count.
func (w *Window[T]) translateTake(u Update) []Update {
	before := w.srcCount
	visible := min(w.n, before)

	switch u.Action {
	case ActionAdd:
		w.srcCount += u.Count
		if u.Index >= w.n {
			return nil
		}

		added := min(u.Count, w.n-u.Index)
		out := []Update{{Action: ActionAdd, Index: u.Index, Count: added}}
		if overflow := visible + added - w.n; overflow > 0 {
			out = append(out, Update{Action: ActionRemove, Index: w.n, Count: overflow})
		}
		return out

	case ActionRemove:
		w.srcCount = max(0, w.srcCount-u.Count)
		if u.Index >= visible {
			return nil
		}

		removed := min(u.Count, visible-u.Index)
		out := []Update{{Action: ActionRemove, Index: u.Index, Count: removed}}
		remaining := visible - removed
		if now := w.windowed(w.srcCount); now > remaining {
			out = append(out, Update{Action: ActionAdd, Index: remaining, Count: now - remaining})
		}
		return out
	}
	return nil
}
