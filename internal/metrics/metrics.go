// Package metrics 汇总核心业务的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coffee_core",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Committed order status transitions.",
		},
		[]string{"from", "to", "actor"},
	)

	rewardsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "points",
			Name:      "purchase_rewards_total",
			Help:      "Purchase-confirmation rewards appended to the ledger.",
		},
	)

	pointsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "points",
			Name:      "granted_points_total",
			Help:      "Points appended to the ledger by source.",
		},
		[]string{"source"},
	)

	gradeChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "grades",
			Name:      "changes_total",
			Help:      "Grade corrections written by reconciliation.",
		},
		[]string{"grade"},
	)

	reconcileConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "grades",
			Name:      "reconcile_conflicts_total",
			Help:      "Grade compare-and-set attempts that lost a race.",
		},
	)

	bulkItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coffee_core",
			Subsystem: "bulk",
			Name:      "items_total",
			Help:      "Bulk operation items by operation and outcome.",
		},
		[]string{"operation", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		transitions,
		rewardsIssued,
		pointsGranted,
		gradeChanges,
		reconcileConflicts,
		bulkItems,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录一次 HTTP 请求。path 应为路由模板而非原始 URL。
func RecordHTTPRequest(method, path string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func RecordTransition(from, to, actor string) {
	transitions.WithLabelValues(from, to, actor).Inc()
}

func RecordPurchaseReward(points int64) {
	rewardsIssued.Inc()
	pointsGranted.WithLabelValues("purchase").Add(float64(points))
}

// RecordGrant source 取值 manual / grant_all。
func RecordGrant(source string, points int64) {
	pointsGranted.WithLabelValues(source).Add(float64(points))
}

func RecordGradeChange(grade string) {
	gradeChanges.WithLabelValues(grade).Inc()
}

func RecordReconcileConflict() {
	reconcileConflicts.Inc()
}

// RecordBulkItem result 取值 succeeded / failed / skipped。
func RecordBulkItem(operation, result string) {
	bulkItems.WithLabelValues(operation, result).Inc()
}
