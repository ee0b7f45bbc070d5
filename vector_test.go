package datalist

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countReply struct {
	count int
	err   error
}

type itemReply struct {
	item int
	err  error
}

// manualFetcher blocks every fetch until the test replies to it.
type manualFetcher struct {
	counts chan countReply

	mu         sync.Mutex
	countCalls int
	itemCalls  map[int]int
	items      map[int]chan itemReply
}

func newManualFetcher() *manualFetcher {
	return &manualFetcher{
		counts:    make(chan countReply),
		itemCalls: make(map[int]int),
		items:     make(map[int]chan itemReply),
	}
}

func (f *manualFetcher) itemChan(index int) chan itemReply {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.items[index]
	if !ok {
		ch = make(chan itemReply)
		f.items[index] = ch
	}
	return ch
}

func (f *manualFetcher) FetchCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	f.countCalls++
	f.mu.Unlock()

	select {
	case reply := <-f.counts:
		return reply.count, reply.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *manualFetcher) FetchItem(ctx context.Context, index int) (int, error) {
	f.mu.Lock()
	f.itemCalls[index]++
	f.mu.Unlock()

	select {
	case reply := <-f.itemChan(index):
		return reply.item, reply.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *manualFetcher) IndexOf(item int) int {
	if item < 2 || item%2 != 0 {
		return -1
	}
	return item/2 - 1
}

func (f *manualFetcher) calls() (count int, items map[int]int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	items = make(map[int]int, len(f.itemCalls))
	for k, v := range f.itemCalls {
		items[k] = v
	}
	return f.countCalls, items
}

// vectorHarness steps a vector by hand.
type vectorHarness struct {
	t *testing.T
	f *manualFetcher
	q *Queue
	v *Vector[int]
}

func newVectorHarness(t *testing.T) *vectorHarness {
	t.Helper()

	f := newManualFetcher()
	q := NewQueue()
	v := MustNewVector[int](f, WithDispatcher(q))
	t.Cleanup(v.Close)
	return &vectorHarness{t: t, f: f, q: q, v: v}
}

// flush runs everything already posted to the queue.
func (h *vectorHarness) flush() {
	h.q.Drain()
}

// replyCount answers one count fetch and applies the result.
func (h *vectorHarness) replyCount(count int, err error) {
	h.t.Helper()

	h.flush()
	h.f.counts <- countReply{count: count, err: err}
	require.NoError(h.t, h.q.Next(testContext(h.t)))
}

// replyItem answers the fetch for index and applies the result.
func (h *vectorHarness) replyItem(index, item int, err error) {
	h.t.Helper()

	h.flush()
	h.f.itemChan(index) <- itemReply{item: item, err: err}
	require.NoError(h.t, h.q.Next(testContext(h.t)))
}

// resolve makes the vector hold count unfetched items.
func (h *vectorHarness) resolve(count int) {
	h.t.Helper()

	h.v.Len()
	h.replyCount(count, nil)
	require.Equal(h.t, count, h.v.Len())
}

func TestVector_New(t *testing.T) {
	r := require.New(t)

	_, err := NewVector[int](nil)
	r.ErrorIs(err, ErrInvalidArgument)

	_, err = NewVector[int](newManualFetcher(), WithMaxConcurrentFetches(0))
	r.ErrorIs(err, ErrOutOfRange)

	r.Panics(func() { MustNewVector[int](nil) })
}

func TestVector_CountResolution(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	rec := record[int](h.v)

	r.False(h.v.IsLoading())
	r.Zero(h.v.Len())
	r.True(h.v.IsLoading())
	r.Empty(rec.props, "notifications wait for the dispatcher")
	h.flush()
	r.Equal([]string{PropertyIsLoading}, rec.props)

	// re-entrant reads share the fetch
	r.Zero(h.v.Len())
	r.Zero(h.v.Len())

	h.replyCount(42, nil)
	r.False(h.v.IsLoading())
	r.Equal(42, h.v.Len())

	countCalls, _ := h.f.calls()
	r.Equal(1, countCalls)

	r.Equal(2, rec.propCount(PropertyIsLoading))
	r.Equal(1, rec.propCount(PropertyCount))
	r.Equal(1, rec.propCount(PropertyItems))
	r.Len(rec.changesOf(ChangeReset), 1)
}

func TestVector_CountUnchangedIsQuiet(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	rec := record[int](h.v)

	h.v.Len()
	h.replyCount(0, nil)

	r.False(h.v.IsLoading())
	r.Zero(rec.propCount(PropertyCount))
	r.Zero(rec.propCount(PropertyItems))
	r.Empty(rec.changes)
	r.Equal(2, rec.propCount(PropertyIsLoading))
}

func TestVector_CountFailure(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	rec := record[int](h.v)

	boom := errors.New("boom")
	h.v.Len()
	h.replyCount(0, boom)

	r.False(h.v.IsLoading())
	r.Len(rec.errs, 1)
	r.ErrorIs(rec.errs[0], boom)

	var fetchErr *FetchError
	r.ErrorAs(rec.errs[0], &fetchErr)
	r.Equal("count", fetchErr.Op)

	// the next read retries
	h.resolve(7)
	countCalls, _ := h.f.calls()
	r.Equal(2, countCalls)
}

func TestVector_NegativeCountIsAnError(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	rec := record[int](h.v)

	h.v.Len()
	h.replyCount(-3, nil)

	r.Zero(h.v.Len())
	r.Len(rec.errs, 1)
	r.ErrorIs(rec.errs[0], ErrOutOfRange)
}

func TestVector_At(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)

	_, err := h.v.At(0)
	r.ErrorIs(err, ErrOutOfRange, "count not resolved")

	h.resolve(42)

	_, err = h.v.At(-1)
	r.ErrorIs(err, ErrOutOfRange)
	_, err = h.v.At(42)
	r.ErrorIs(err, ErrOutOfRange)

	_, itemCalls := h.f.calls()
	r.Empty(itemCalls)
}

func TestVector_Placeholder(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(42)
	rec := record[int](h.v)

	item, err := h.v.At(5)
	r.NoError(err)
	r.Zero(item)
	r.False(h.v.Loaded(5))

	// a pending item is not fetched again
	item, err = h.v.At(5)
	r.NoError(err)
	r.Zero(item)

	var reread int
	h.v.OnChange(func(c Change[int]) {
		if c.Kind == ChangeReplace {
			reread, _ = h.v.At(c.Index)
		}
	})

	h.replyItem(5, 12, nil)

	r.Equal([]Change[int]{{Kind: ChangeReplace, Index: 5, Count: 1, New: 12}}, rec.changes)
	r.Equal(12, reread, "the value is stored before the notification")
	r.True(h.v.Loaded(5))

	item, err = h.v.At(5)
	r.NoError(err)
	r.Equal(12, item)

	_, itemCalls := h.f.calls()
	r.Equal(map[int]int{5: 1}, itemCalls)
}

func TestVector_ResolvedZeroValueIsLoaded(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(3)

	h.v.At(1)
	h.replyItem(1, 0, nil)

	r.True(h.v.Loaded(1))
	h.v.At(1)
	_, itemCalls := h.f.calls()
	r.Equal(map[int]int{1: 1}, itemCalls)
}

func TestVector_ItemFailure(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(10)
	rec := record[int](h.v)

	boom := errors.New("boom")
	h.v.At(3)
	h.replyItem(3, 0, boom)

	r.Empty(rec.changes)
	r.Len(rec.errs, 1)
	r.ErrorIs(rec.errs[0], boom)
	r.False(h.v.Loaded(3))

	// the cell is unfetched again, so the next read retries
	h.v.At(3)
	h.replyItem(3, 8, nil)
	item, err := h.v.At(3)
	r.NoError(err)
	r.Equal(8, item)
}

func TestVector_ItemsAdded(t *testing.T) {
	tests := map[string]struct {
		index, count int
		wantReplace  []int
	}{
		"before pending item": {index: 5, count: 10, wantReplace: []int{15}},
		"after pending item":  {index: 6, count: 10},
		"at start":            {index: 0, count: 1, wantReplace: []int{6}},
		"at end":              {index: 42, count: 3},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			h := newVectorHarness(t)
			h.resolve(42)
			h.v.At(5)
			rec := record[int](h.v)

			r.NoError(h.v.ItemsAdded(tc.index, tc.count))
			r.Equal(42, h.v.Len(), "applied on the dispatcher")
			h.flush()
			r.Equal(42+tc.count, h.v.Len())

			r.Equal([]Change[int]{{Kind: ChangeAdd, Index: tc.index, Count: tc.count}}, rec.changesOf(ChangeAdd))
			var replaced []int
			for _, c := range rec.changesOf(ChangeReplace) {
				replaced = append(replaced, c.Index)
			}
			r.Equal(tc.wantReplace, replaced)
			r.Equal(1, rec.propCount(PropertyCount))
			r.Equal(1, rec.propCount(PropertyItems))

			countCalls, _ := h.f.calls()
			r.Equal(1, countCalls, "adding items does not refetch the count")
		})
	}
}

func TestVector_ItemsRemoved(t *testing.T) {
	tests := map[string]struct {
		index, count int
		wantReplace  []int
	}{
		"before pending item": {index: 1, count: 3, wantReplace: []int{2}},
		"over pending item":   {index: 5, count: 3},
		"after pending item":  {index: 6, count: 3},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			h := newVectorHarness(t)
			h.resolve(42)
			h.v.At(5)
			rec := record[int](h.v)

			r.NoError(h.v.ItemsRemoved(tc.index, tc.count))
			h.flush()
			r.Equal(42-tc.count, h.v.Len())

			r.Equal([]Change[int]{{Kind: ChangeRemove, Index: tc.index, Count: tc.count}}, rec.changesOf(ChangeRemove))
			var replaced []int
			for _, c := range rec.changesOf(ChangeReplace) {
				replaced = append(replaced, c.Index)
			}
			r.Equal(tc.wantReplace, replaced)
		})
	}
}

func TestVector_CompletionFollowsShiftedItem(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(42)

	h.v.At(5)
	r.NoError(h.v.ItemsAdded(0, 2))
	r.NoError(h.v.ItemsRemoved(0, 1))
	h.flush()
	rec := record[int](h.v)

	h.replyItem(5, 12, nil)

	r.Equal([]Change[int]{{Kind: ChangeReplace, Index: 6, Count: 1, New: 12}}, rec.changes)
	item, err := h.v.At(6)
	r.NoError(err)
	r.Equal(12, item)
}

func TestVector_CompletionForRemovedItemIsDropped(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(42)

	h.v.At(5)
	r.NoError(h.v.ItemsRemoved(4, 2))
	h.flush()
	rec := record[int](h.v)

	h.replyItem(5, 12, nil)
	r.Empty(rec.changes)

	for i := range h.v.Len() {
		r.False(h.v.Loaded(i))
	}
}

func TestVector_CompletionAndShiftInterleave(t *testing.T) {
	tests := map[string]struct {
		completeFirst bool
		want          []Change[int]
	}{
		"completion posted first": {
			completeFirst: true,
			want: []Change[int]{
				{Kind: ChangeReplace, Index: 5, Count: 1, New: 12},
				{Kind: ChangeAdd, Index: 0, Count: 1},
			},
		},
		"shift posted first": {
			want: []Change[int]{
				{Kind: ChangeAdd, Index: 0, Count: 1},
				{Kind: ChangeReplace, Index: 6, Count: 1},
				{Kind: ChangeReplace, Index: 6, Count: 1, New: 12},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			h := newVectorHarness(t)
			h.resolve(42)
			h.v.At(5)
			rec := record[int](h.v)

			if tc.completeFirst {
				h.f.itemChan(5) <- itemReply{item: 12}
				r.Eventually(func() bool { return h.q.Len() == 1 }, time.Second, time.Millisecond)
				r.NoError(h.v.ItemsAdded(0, 1))
				r.Empty(rec.changes)
				h.flush()
			} else {
				r.NoError(h.v.ItemsAdded(0, 1))
				h.replyItem(5, 12, nil)
			}

			r.Equal(tc.want, rec.changes)
			r.True(h.v.Loaded(6))
			item, err := h.v.At(6)
			r.NoError(err)
			r.Equal(12, item)
		})
	}
}

func TestVector_ObserverMirrorsShiftDuringDelivery(t *testing.T) {
	r := require.New(t)

	src := newListSource(10)
	v := MustNewVector[int](sourceFetcher[int]{src: src})
	defer v.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	v.OnChange(func(c Change[int]) {
		if c.Kind == ChangeReplace {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	var (
		mu     sync.Mutex
		mirror []int
	)
	v.OnChange(func(c Change[int]) {
		mu.Lock()
		defer mu.Unlock()

		switch c.Kind {
		case ChangeAdd:
			mirror = slices.Insert(mirror, c.Index, make([]int, c.Count)...)
		case ChangeRemove:
			mirror = slices.Delete(mirror, c.Index, c.Index+c.Count)
		case ChangeReplace:
			mirror[c.Index] = c.New
		case ChangeReset:
			mirror = make([]int, v.Len())
		}
	})
	snapshot := func() []int {
		mu.Lock()
		defer mu.Unlock()

		return slices.Clone(mirror)
	}

	v.Len()
	r.Eventually(func() bool { return len(snapshot()) == 10 }, time.Second, time.Millisecond)

	v.At(5)
	select {
	case <-entered:
	case <-time.After(time.Second):
		r.FailNow("item was not delivered")
	}

	// delivery of the completion is still in progress
	r.NoError(v.ItemsAdded(0, 1))
	r.Equal(10, v.Len())
	close(release)

	r.Eventually(func() bool { return len(snapshot()) == 11 }, time.Second, time.Millisecond)
	r.Equal(v.Snapshot(), snapshot())
	r.Equal(itemAt(5), snapshot()[6])
}

func TestVector_MutationBounds(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(10)

	r.ErrorIs(h.v.ItemsAdded(-1, 1), ErrOutOfRange)
	r.ErrorIs(h.v.ItemsAdded(0, 0), ErrOutOfRange)
	r.ErrorIs(h.v.ItemsRemoved(-1, 1), ErrOutOfRange)
	r.ErrorIs(h.v.ItemsRemoved(0, 0), ErrOutOfRange)
	r.Zero(h.q.Len(), "rejected before anything is posted")
	r.Equal(10, h.v.Len())
}

func TestVector_MutationPastEndResets(t *testing.T) {
	tests := map[string]struct {
		mutate func(v *Vector[int]) error
	}{
		"add past end": {
			mutate: func(v *Vector[int]) error { return v.ItemsAdded(11, 1) },
		},
		"remove past end": {
			mutate: func(v *Vector[int]) error { return v.ItemsRemoved(8, 3) },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			h := newVectorHarness(t)
			h.resolve(10)
			h.v.At(2)
			rec := record[int](h.v)

			r.NoError(tc.mutate(h.v))
			h.flush()

			r.Equal([]Change[int]{{Kind: ChangeReset}}, rec.changes)
			r.False(h.v.Loaded(2))

			// the count is fetched again
			h.resolve(12)
			countCalls, _ := h.f.calls()
			r.Equal(2, countCalls)
		})
	}
}

func TestVector_MutationBeforeCountResets(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	rec := record[int](h.v)

	r.NoError(h.v.ItemsAdded(0, 3))
	h.flush()
	r.Len(rec.changesOf(ChangeReset), 1)
	r.Empty(rec.changesOf(ChangeAdd))
	r.Zero(h.v.Len())
}

func TestVector_Reset(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(42)
	h.v.At(5)
	rec := record[int](h.v)

	h.v.Reset()
	r.Empty(rec.changes)
	h.flush()

	r.Equal([]Change[int]{{Kind: ChangeReset}}, rec.changes)
	r.Equal(1, rec.propCount(PropertyCount))
	r.Equal(1, rec.propCount(PropertyItems))

	// the late item is discarded
	h.replyItem(5, 12, nil)
	r.Len(rec.changes, 1)

	// the count is fetched again
	r.Zero(h.v.Len())
	h.replyCount(40, nil)
	r.Equal(40, h.v.Len())
	r.False(h.v.Loaded(5))

	countCalls, _ := h.f.calls()
	r.Equal(2, countCalls)
}

func TestVector_ResetWhileCountPending(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)

	h.v.Len()
	h.v.Reset()
	r.True(h.v.IsLoading())

	// one reply goes to the stale fetch and is dropped, the other is applied;
	// which is which does not matter
	h.replyCount(42, nil)
	h.replyCount(42, nil)

	r.Equal(42, h.v.Len())
	r.False(h.v.IsLoading())

	countCalls, _ := h.f.calls()
	r.Equal(2, countCalls)
}

func TestVector_ReadOnly(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(3)

	r.True(h.v.ReadOnly())
	r.ErrorIs(h.v.Set(0, 1), ErrInvalidOperation)
	r.ErrorIs(h.v.Insert(0, 1), ErrInvalidOperation)
	r.ErrorIs(h.v.RemoveAt(0), ErrInvalidOperation)
	r.ErrorIs(h.v.Clear(), ErrInvalidOperation)
	r.Equal(3, h.v.Len())
}

func TestVector_IndexOfAndSnapshot(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(5)

	r.Equal(2, h.v.IndexOf(6))
	r.True(h.v.Contains(6))
	r.Equal(-1, h.v.IndexOf(12), "index 5 is outside the vector")
	r.Equal(-1, h.v.IndexOf(7))

	h.v.At(1)
	h.replyItem(1, 4, nil)
	r.Equal([]int{0, 4, 0, 0, 0}, h.v.Snapshot())
}

func TestVector_Unsubscribe(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)

	var props []string
	unsubscribe := h.v.OnPropertyChange(func(name string) { props = append(props, name) })
	h.v.Len()
	h.flush()
	unsubscribe()
	unsubscribe()
	h.replyCount(4, nil)

	r.Equal([]string{PropertyIsLoading}, props)
}

func TestVector_Close(t *testing.T) {
	r := require.New(t)
	h := newVectorHarness(t)
	h.resolve(10)
	rec := record[int](h.v)

	h.v.At(2)
	h.v.Close()

	// the cancelled fetch still reports back, and is dropped
	require.NoError(t, h.q.Next(testContext(t)))
	r.Empty(rec.changes)
	r.Empty(rec.errs)

	h.v.Reset()
	h.flush()
	r.Empty(rec.changes)
}

func TestVector_DefaultLoop(t *testing.T) {
	r := require.New(t)

	src := newListSource(6)
	v := MustNewVector[int](sourceFetcher[int]{src: src})
	defer v.Close()

	v.Len()
	r.Eventually(func() bool { return v.Len() == 6 }, time.Second, 5*time.Millisecond)

	v.At(4)
	r.Eventually(func() bool { return v.Loaded(4) }, time.Second, 5*time.Millisecond)
	item, err := v.At(4)
	r.NoError(err)
	r.Equal(itemAt(4), item)
}
