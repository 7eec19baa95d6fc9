package metrics

import (
	"net/http"
	_ "net/http/pprof"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"
)

var log = logging.Logger("metrics")

// Exporter registers all default views and returns a handler serving them in
// the prometheus exposition format.
func Exporter(namespace string) (http.Handler, error) {
	if err := view.Register(DefaultViews()...); err != nil {
		return nil, xerrors.Errorf("registering views: %w", err)
	}

	registry, ok := promclient.DefaultRegisterer.(*promclient.Registry)
	if !ok {
		log.Warnf("failed to export default prometheus registry; some metrics will be unavailable; unexpected type: %T", promclient.DefaultRegisterer)
	}
	exporter, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: namespace,
	})
	if err != nil {
		return nil, xerrors.Errorf("could not create the prometheus stats exporter: %w", err)
	}
	return exporter, nil
}

// Router mounts the metrics exporter, a liveness probe and the pprof handlers.
func Router(namespace string) (*mux.Router, error) {
	exporter, err := Exporter(namespace)
	if err != nil {
		return nil, err
	}

	m := mux.NewRouter()
	m.Handle("/debug/metrics", exporter)
	m.HandleFunc("/health/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	m.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
	return m, nil
}
