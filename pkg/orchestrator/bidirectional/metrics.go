package bidirectional

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_bidirectional_records_processed_total",
	Help: "count of records pushed through the executor by the bidirectional sync loops",
}, []string{"direction"})

var conflictsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_bidirectional_conflicts_detected_total",
	Help: "count of field conflicts detected by the bidirectional sync loops",
}, []string{"direction"})

var errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_bidirectional_errors_total",
	Help: "count of per-record errors encountered by the bidirectional sync loops",
}, []string{"direction"})
