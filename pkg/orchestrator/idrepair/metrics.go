package idrepair

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reconsync_id_repair_attempts_total",
	Help: "count of id-repair lookups, by outcome",
}, []string{"outcome"})
