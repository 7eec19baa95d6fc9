package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	2000, 3000, 4000, 5000, 10000, 20000, 30000, 60000,
)

var batchSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500)

// Tags
var (
	// common
	Version, _  = tag.NewKey("version")
	Commit, _   = tag.NewKey("commit")
	NodeType, _ = tag.NewKey("node_type")

	// store
	StoreName, _ = tag.NewKey("store")
	StoreOp, _   = tag.NewKey("op")

	// state machine
	Manager, _    = tag.NewKey("manager")
	EntityType, _ = tag.NewKey("entity_type")
	State, _      = tag.NewKey("state")
	Outcome, _    = tag.NewKey("outcome")
)

// Measures
var (
	ConnectorInfo = stats.Int64("info", "Arbitrary counter to tag connector info to", stats.UnitDimensionless)

	// leases
	LeaseAcquired  = stats.Int64("lease/acquired", "Counter of leases acquired on entities", stats.UnitDimensionless)
	LeaseConflicts = stats.Int64("lease/conflicts", "Counter of lease acquisitions refused because another holder owns the entity", stats.UnitDimensionless)

	// store
	StoreOpDuration = stats.Float64("store/op_duration_ms", "Duration of store operations", stats.UnitMilliseconds)
	StoreOpErrors   = stats.Int64("store/op_errors", "Counter of failed store operations", stats.UnitDimensionless)

	// state machine
	StateMachineBatch     = stats.Int64("statemachine/batch", "Number of entities leased per processor run", stats.UnitDimensionless)
	StateMachineProcessed = stats.Int64("statemachine/processed", "Counter of entities consumed by a retry process", stats.UnitDimensionless)
	StateMachineDelayed   = stats.Int64("statemachine/delayed", "Counter of entities skipped while waiting for backoff", stats.UnitDimensionless)
	StateMachineExhausted = stats.Int64("statemachine/exhausted", "Counter of entities whose retries were exhausted", stats.UnitDimensionless)
	StateMachineErrors    = stats.Int64("statemachine/errors", "Counter of processor runs which failed", stats.UnitDimensionless)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Connector node information",
		Measure:     ConnectorInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, NodeType},
	}
	LeaseAcquiredView = &view.View{
		Measure:     LeaseAcquired,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{StoreName},
	}
	LeaseConflictsView = &view.View{
		Measure:     LeaseConflicts,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{StoreName},
	}
	StoreOpDurationView = &view.View{
		Measure:     StoreOpDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{StoreName, StoreOp},
	}
	StoreOpErrorsView = &view.View{
		Measure:     StoreOpErrors,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{StoreName, StoreOp},
	}
	StateMachineBatchView = &view.View{
		Measure:     StateMachineBatch,
		Aggregation: batchSizeDistribution,
		TagKeys:     []tag.Key{Manager, State},
	}
	StateMachineProcessedView = &view.View{
		Measure:     StateMachineProcessed,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Manager, State, Outcome},
	}
	StateMachineDelayedView = &view.View{
		Measure:     StateMachineDelayed,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Manager, State},
	}
	StateMachineExhaustedView = &view.View{
		Measure:     StateMachineExhausted,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Manager, State},
	}
	StateMachineErrorsView = &view.View{
		Measure:     StateMachineErrors,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Manager},
	}
)

var views = []*view.View{
	InfoView,
	LeaseAcquiredView,
	LeaseConflictsView,
	StoreOpDurationView,
	StoreOpErrorsView,
	StateMachineBatchView,
	StateMachineProcessedView,
	StateMachineDelayedView,
	StateMachineExhaustedView,
	StateMachineErrorsView,
}

// DefaultViews returns the OpenCensus views for metric gathering purposes,
// including those added through RegisterViews.
func DefaultViews() []*view.View {
	return views
}

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// Record records measurements tagged with the given mutators, logging nothing
// on tag errors since metrics must never fail the caller.
func Record(ctx context.Context, mutators []tag.Mutator, ms ...stats.Measurement) {
	_ = stats.RecordWithTags(ctx, mutators, ms...)
}
