package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_backfill_chunks_total",
	Help: "count of backfill chunks run, by phase and outcome",
}, []string{"phase", "status"})

var errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_backfill_errors_total",
	Help: "count of per-record errors encountered while building shadows",
}, []string{"phase"})
