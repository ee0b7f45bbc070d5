package datalist

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// instruments are created against the global meter provider on first use.
// No provider is installed by this package; without one every counter is a
// no-op.
type instruments struct {
	pageHits      syncint64.Counter
	pageFetches   syncint64.Counter
	pageEvictions syncint64.Counter
	itemFetches   syncint64.Counter
	fetchErrors   syncint64.Counter
}

var (
	metricsOnce sync.Once
	metrics     instruments
)

var (
	cacheSource = attribute.String("cache", "paged_source")
	cacheList   = attribute.String("cache", "page_list")
)

func meter() *instruments {
	metricsOnce.Do(func() {
		m := global.Meter(instrumentationName)

		var err, errs error
		metrics.pageHits, err = m.SyncInt64().Counter("datalist_page_cache_hits",
			instrument.WithDescription("pages served from a page cache"),
		)
		errs = multierr.Append(errs, err)

		metrics.pageFetches, err = m.SyncInt64().Counter("datalist_page_fetches",
			instrument.WithDescription("pages fetched upstream"),
		)
		errs = multierr.Append(errs, err)

		metrics.pageEvictions, err = m.SyncInt64().Counter("datalist_page_evictions",
			instrument.WithDescription("pages dropped from a page cache"),
		)
		errs = multierr.Append(errs, err)

		metrics.itemFetches, err = m.SyncInt64().Counter("datalist_item_fetches",
			instrument.WithDescription("single items fetched upstream"),
		)
		errs = multierr.Append(errs, err)

		metrics.fetchErrors, err = m.SyncInt64().Counter("datalist_fetch_errors",
			instrument.WithDescription("failed upstream fetches"),
		)
		errs = multierr.Append(errs, err)

		if errs != nil {
			Logger().Warn("creating metric instruments failed", zap.Error(errs))
		}
	})
	return &metrics
}

func incr(ctx context.Context, c syncint64.Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, attrs...)
}
