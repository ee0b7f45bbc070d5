package datalist

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flightGroup shares one fetch per key between concurrent callers. A caller
// that gives up stops waiting without affecting the others; the fetch itself
// is cancelled only once nobody is waiting for it.
type flightGroup struct {
	g singleflight.Group

	mu    sync.Mutex
	calls map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// do runs fn once for key and hands its result to every caller waiting at
// the time. fn gets a context that keeps the values of the first caller's
// ctx but not its deadline or cancellation.
func (f *flightGroup) do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]*flight)
	}
	c, ok := f.calls[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &flight{ctx: fctx, cancel: cancel}
		f.calls[key] = c
	}
	c.waiters++
	f.mu.Unlock()

	defer f.leave(key, c)

	ch := f.g.DoChan(key, func() (any, error) {
		return fn(c.ctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *flightGroup) leave(key string, c *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if f.calls[key] == c {
		delete(f.calls, key)
	}
	// a later caller starts afresh instead of joining the cancelled fetch
	f.g.Forget(key)
}

func flightKey(gen uint64, kind string, n int) string {
	return fmt.Sprintf("%d/%s/%d", gen, kind, n)
}
