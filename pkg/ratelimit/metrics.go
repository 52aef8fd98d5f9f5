package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokensAvailableGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mailerlite_rate_limit_tokens",
	Help: "tokens currently available in the B rate limiter's bucket",
})

var requestsTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mailerlite_rate_limit_requests_total",
	Help: "count of acquisitions granted by the B rate limiter",
})
