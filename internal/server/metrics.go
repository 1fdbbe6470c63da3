// Package server exposes process counters for connection, broadcast and
// persistence activity.
package server

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

func incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, gometrics.DefaultRegistry).Inc(i)
}

func decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, gometrics.DefaultRegistry).Dec(i)
}

// StartMetricsReport periodically writes the metrics registry as JSON to w.
func StartMetricsReport(w io.Writer, tick time.Duration) {
	go gometrics.WriteJSON(gometrics.DefaultRegistry, tick, w)
}
