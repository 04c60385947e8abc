package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_reservations_total",
			Help: "Reservation operations by outcome",
		},
		[]string{"result"}, // booked|conflict|unavailable|invalid|cancelled|updated|error
	)

	BookingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_booking_duration_seconds",
			Help:    "Duration of booking transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_queue_operations_total",
			Help: "Admission queue operations",
		},
		[]string{"op"}, // join|rejoin|cancel|allocate|move
	)

	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allocator_queue_pending",
			Help: "PENDING entries in the admission queue",
		},
	)

	UsageSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_usage_sessions_total",
			Help: "Usage tracking events",
		},
		[]string{"event"}, // start|stop
	)

	AsyncRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_async_requests_total",
			Help: "Booking requests received over Pub/Sub by result",
		},
		[]string{"status"}, // Success|Queued|Failure
	)
)

func init() {
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(BookingDuration)
	prometheus.MustRegister(QueueOperationsTotal)
	prometheus.MustRegister(QueuePending)
	prometheus.MustRegister(UsageSessionsTotal)
	prometheus.MustRegister(AsyncRequestsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
