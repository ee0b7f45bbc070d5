// Package datalist virtualizes large, lazily fetched lists.
//
// A [Source] is an asynchronously resolved list that reports structural
// changes as [Update] values. Sources can be paged ([PagedSource]), fetched
// in one piece ([CollectionSource]), or windows over other sources ([Skip]
// and [Take]).
//
// Lists consume sources:
//
//   - [Vector] and [VirtualizingList] fetch the count and items on demand and
//     return zero-value placeholders until items arrive.
//   - [IncrementalList] grows a prefix of its source with
//     [IncrementalList.LoadMore].
//   - [PageList] is a plain mutable list that keeps a bounded number of pages
//     in memory.
//
// # Owner goroutine
//
// Fetches run on their own goroutines. Their results, and the structural
// changes reported by ItemsAdded, ItemsRemoved and Reset, are applied
// through a [Dispatcher], which also delivers every notification. By
// default each list runs its own [Loop]; pass [WithDispatcher] to share one,
// or a [Queue] to step it by hand:
//
//	q := datalist.NewQueue()
//	list := datalist.MustNewVirtualizingList(src, datalist.WithDispatcher(q))
//	list.Len()            // starts the count fetch
//	q.Next(ctx)           // delivers IsLoading
//	q.Next(ctx)           // applies the count
//
// Notifications for a key always follow the state change they describe, so
// a handler that reads the list back sees the new value.
//
// # Logging, tracing and metrics
//
// The package logs through a zap logger set with [SetLogger] and opens an
// OpenTelemetry span around every upstream fetch. Page cache hits, page and
// item fetches, page evictions and fetch errors are counted on the global
// OpenTelemetry meter provider.
package datalist
