package store

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/dsconnector/connector/metrics"
)

// ObserveOp starts timing op on the named store. The returned function
// records the duration, and counts err if it is a persistence failure.
func ObserveOp(ctx context.Context, name, op string) func(err error) {
	start := time.Now()
	return func(err error) {
		mutators := []tag.Mutator{tag.Upsert(metrics.StoreName, name), tag.Upsert(metrics.StoreOp, op)}
		ms := []stats.Measurement{metrics.StoreOpDuration.M(metrics.SinceInMilliseconds(start))}
		if IsPersistence(err) {
			ms = append(ms, metrics.StoreOpErrors.M(1))
		}
		metrics.Record(ctx, mutators, ms...)
	}
}

// RecordLeases counts lease acquisitions and conflicts on the named store.
func RecordLeases(ctx context.Context, name string, acquired, conflicts int) {
	mutators := []tag.Mutator{tag.Upsert(metrics.StoreName, name)}
	if acquired > 0 {
		metrics.Record(ctx, mutators, metrics.LeaseAcquired.M(int64(acquired)))
	}
	if conflicts > 0 {
		metrics.Record(ctx, mutators, metrics.LeaseConflicts.M(int64(conflicts)))
	}
}
