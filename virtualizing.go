package datalist

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// sourceFetcher serves a [Vector] from a [Source].
type sourceFetcher[T any] struct {
	src Source[T]
}

func (f sourceFetcher[T]) FetchCount(ctx context.Context) (int, error) {
	return f.src.Count(ctx)
}

func (f sourceFetcher[T]) FetchItem(ctx context.Context, index int) (T, error) {
	return f.src.Item(ctx, index)
}

func (f sourceFetcher[T]) IndexOf(item T) int {
	return f.src.IndexOf(item)
}

// VirtualizingList is a [Vector] over a [Source] that follows the source's
// updates.
type VirtualizingList[T any] struct {
	*Vector[T]

	src         Source[T]
	unsubscribe func()
}

// NewVirtualizingList creates a list over src and subscribes to it.
func NewVirtualizingList[T any](src Source[T], opts ...Option) (*VirtualizingList[T], error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrInvalidArgument)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &VirtualizingList[T]{
		Vector: newVector[T](sourceFetcher[T]{src: src}, o),
		src:    src,
	}
	l.unsubscribe = src.Subscribe(ObserverFunc(func(u Update) {
		l.dispatch.Post(func() { l.apply(u) })
	}))
	return l, nil
}

// MustNewVirtualizingList is like [NewVirtualizingList] but panics on error.
func MustNewVirtualizingList[T any](src Source[T], opts ...Option) *VirtualizingList[T] {
	l, err := NewVirtualizingList(src, opts...)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *VirtualizingList[T]) apply(u Update) {
	var err error
	switch u.Action {
	case ActionReset:
		l.reset()
	case ActionAdd:
		err = l.itemsAdded(u.Index, u.Count)
	case ActionRemove:
		err = l.itemsRemoved(u.Index, u.Count)
	}

	if err != nil {
		Logger().Warn("update does not fit the list, resetting",
			zap.Stringer("update", u),
			zap.Error(err),
		)
		l.reset()
	}
}

// Close unsubscribes from the source and closes the vector.
func (l *VirtualizingList[T]) Close() {
	l.unsubscribe()
	l.Vector.Close()
}
