package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics counts booking-engine outcomes. A nil receiver is a no-op
// so wiring metrics stays optional in tests and tools.
type BookingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	cancellationsTotal *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "booking",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		cancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Cancellations by actor",
		}, []string{"actor"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.cancellationsTotal)
	return m
}

func (m *BookingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveCancellation(actor string) {
	if m == nil {
		return
	}
	m.cancellationsTotal.WithLabelValues(actor).Inc()
}

// ReconcilerMetrics tracks auto-move sweep results.
type ReconcilerMetrics struct {
	groupsProcessed prometheus.Counter
	groupsMoved     prometheus.Counter
	groupsExhausted prometheus.Counter
	runDuration     prometheus.Histogram
}

func NewReconcilerMetrics(reg prometheus.Registerer) *ReconcilerMetrics {
	m := &ReconcilerMetrics{
		groupsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "reconciler",
			Name:      "groups_processed_total",
			Help:      "Expired offer groups handled",
		}),
		groupsMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "reconciler",
			Name:      "groups_moved_total",
			Help:      "Offer groups resolved by auto-move",
		}),
		groupsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicore",
			Subsystem: "reconciler",
			Name:      "groups_exhausted_total",
			Help:      "Offer groups expired with no capacity anywhere",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinicore",
			Subsystem: "reconciler",
			Name:      "run_duration_seconds",
			Help:      "Duration of one reconciler sweep",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.groupsProcessed, m.groupsMoved, m.groupsExhausted, m.runDuration)
	return m
}

func (m *ReconcilerMetrics) ObserveRun(processed, moved, exhausted int, seconds float64) {
	if m == nil {
		return
	}
	m.groupsProcessed.Add(float64(processed))
	m.groupsMoved.Add(float64(moved))
	m.groupsExhausted.Add(float64(exhausted))
	m.runDuration.Observe(seconds)
}
