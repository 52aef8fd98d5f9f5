package diagnostic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var classifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_diagnostic_classified_total",
	Help: "count of shadowless crosswalk rows classified by the diagnostic scanner, by category",
}, []string{"category"})
