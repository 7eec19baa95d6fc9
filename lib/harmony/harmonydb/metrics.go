package harmonydb

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/dsconnector/connector/metrics"
)

var (
	dbTag, _         = tag.NewKey("db_schema")
	pre              = "connector_db_"
	waitsBuckets     = []float64{0, 1, 2, 5, 10, 20, 30, 50, 80, 130, 210, 340, 550, 890}
	whichHostBuckets = []float64{0, 1, 2, 3, 4, 5}
)

// DBMeasures groups all db metrics.
var DBMeasures = struct {
	Hits            *stats.Int64Measure
	TotalWait       *stats.Int64Measure
	Waits           prometheus.Histogram
	OpenConnections *stats.Int64Measure
	Errors          *stats.Int64Measure
	Retries         *stats.Int64Measure
	WhichHost       prometheus.Histogram
}{
	Hits:      stats.Int64(pre+"hits", "Number of statements run.", stats.UnitDimensionless),
	TotalWait: stats.Int64(pre+"total_wait", "Total statement latency; divide by hits for the average.", stats.UnitMilliseconds),
	Waits: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    pre + "waits",
		Buckets: waitsBuckets,
		Help:    "Statement latency in milliseconds.",
	}),
	OpenConnections: stats.Int64(pre+"open_connections", "Pool connection count.", stats.UnitDimensionless),
	Errors:          stats.Int64(pre+"errors", "Failed statements.", stats.UnitDimensionless),
	Retries:         stats.Int64(pre+"tx_retries", "Transactions retried after a serialization failure.", stats.UnitDimensionless),
	WhichHost: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    pre + "which_host",
		Buckets: whichHostBuckets,
		Help:    "Index of the configured host a new connection went to.",
	}),
}

func init() {
	metrics.RegisterViews(
		&view.View{
			Measure:     DBMeasures.Hits,
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{dbTag},
		},
		&view.View{
			Measure:     DBMeasures.TotalWait,
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{dbTag},
		},
		&view.View{
			Measure:     DBMeasures.OpenConnections,
			Aggregation: view.LastValue(),
			TagKeys:     []tag.Key{dbTag},
		},
		&view.View{
			Measure:     DBMeasures.Errors,
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{dbTag},
		},
		&view.View{
			Measure:     DBMeasures.Retries,
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{dbTag},
		},
	)
	prometheus.MustRegister(DBMeasures.Waits, DBMeasures.WhichHost)
}
