package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricHelo = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailin_helo_total",
		Help: "HELO/EHLO commands seen.",
	})
	metricFcrdnsFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailin_fcrdns_fail_total",
		Help: "Clients whose reverse DNS could not be forward confirmed.",
	})
	metricBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailin_blocklist_reject_total",
		Help: "Clients rejected because of a blocklist entry.",
	})
	metricAuthFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailin_auth_failure_total",
		Help: "Failed authentication attempts.",
	})
	metricReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailin_messages_received_total",
		Help: "Messages accepted and stored.",
	})
	metricStoreError = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailin_store_error_total",
		Help: "Messages lost to storage errors.",
	})
)

// serveMetrics exposes the Prometheus registry on its own listener.
func serveMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
