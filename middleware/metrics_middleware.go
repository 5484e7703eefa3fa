package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"uds-rpc/message"
)

// unknownLabel replaces request types and names the server does not serve, so clients
// cannot mint new series.
const unknownLabel = "unknown"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uds_rpc_requests_total",
			Help: "Total number of dispatched requests",
		},
		[]string{"type", "name", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uds_rpc_request_duration_seconds",
			Help:    "Time from dispatch to response envelope",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "name"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
}

// MetricsMiddleware counts and times requests. known reports whether the name a request
// targets is registered; names it rejects, and every name when known is nil, are
// labelled "unknown".
func MetricsMiddleware(known func(req *message.Request) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			typ, name := metricLabels(req, known)
			requestsTotal.WithLabelValues(typ, name, strconv.Itoa(resp.Code)).Inc()
			requestDuration.WithLabelValues(typ, name).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}

func metricLabels(req *message.Request, known func(req *message.Request) bool) (string, string) {
	if !req.Type.Valid() {
		return unknownLabel, unknownLabel
	}
	name := req.Name()
	if name != "" && (known == nil || !known(req)) {
		name = unknownLabel
	}
	return string(req.Type), name
}
