package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// TenderCaptureTotal counts tender capture outcomes per method.
	TenderCaptureTotal *prometheus.CounterVec
	// CaptureCancelledTotal counts card captures cancelled by the operator.
	CaptureCancelledTotal prometheus.Counter
	// FinalizationTotal counts backend completion outcomes.
	FinalizationTotal *prometheus.CounterVec
	// FinalizationLatency records backend completion latency in milliseconds.
	FinalizationLatency *prometheus.HistogramVec
	// DisplayMessagesTotal counts customer display traffic by direction.
	DisplayMessagesTotal *prometheus.CounterVec
	// HardwareJobsTotal counts drawer and printer requests.
	HardwareJobsTotal *prometheus.CounterVec
	// SessionFaultTotal counts sessions that reached an inconsistent state.
	SessionFaultTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers payment collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		TenderCaptureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tender_capture_total",
			Help:      "Count of tender capture outcomes.",
		}, []string{"method", "result"})
		CaptureCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tender_capture_cancelled_total",
			Help:      "Number of card captures cancelled while waiting on the display.",
		})
		FinalizationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalization_total",
			Help:      "Count of order completion submissions by outcome.",
		}, []string{"result"})
		FinalizationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalization_duration_ms",
			Help:      "Latency of order completion submissions in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"result"})
		DisplayMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_messages_total",
			Help:      "Customer display messages by direction and kind.",
		}, []string{"direction", "kind"})
		HardwareJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hardware_jobs_total",
			Help:      "Drawer and printer requests by outcome.",
		}, []string{"kind", "result"})
		SessionFaultTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_fault_total",
			Help:      "Sessions that reached an unsettled state outside split mode.",
		})

		mustRegisterCollector(reg, TenderCaptureTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TenderCaptureTotal = v
			}
		})
		mustRegisterCollector(reg, CaptureCancelledTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				CaptureCancelledTotal = v
			}
		})
		mustRegisterCollector(reg, FinalizationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				FinalizationTotal = v
			}
		})
		mustRegisterCollector(reg, FinalizationLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				FinalizationLatency = v
			}
		})
		mustRegisterCollector(reg, DisplayMessagesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				DisplayMessagesTotal = v
			}
		})
		mustRegisterCollector(reg, HardwareJobsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				HardwareJobsTotal = v
			}
		})
		mustRegisterCollector(reg, SessionFaultTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				SessionFaultTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

// CountDisplay records a display message if metrics are registered.
func CountDisplay(direction, kind string) {
	if DisplayMessagesTotal != nil {
		DisplayMessagesTotal.WithLabelValues(direction, kind).Inc()
	}
}

// CountHardware records a hardware request outcome if metrics are registered.
func CountHardware(kind, result string) {
	if HardwareJobsTotal != nil {
		HardwareJobsTotal.WithLabelValues(kind, result).Inc()
	}
}

// CountTender records a tender capture outcome.
func CountTender(method, result string) {
	if TenderCaptureTotal != nil {
		TenderCaptureTotal.WithLabelValues(method, result).Inc()
	}
}

// CountCaptureCancelled records an operator-cancelled card capture.
func CountCaptureCancelled() {
	if CaptureCancelledTotal != nil {
		CaptureCancelledTotal.Inc()
	}
}

// ObserveFinalization records the outcome and latency of an order completion.
func ObserveFinalization(result string, d time.Duration) {
	if FinalizationTotal != nil {
		FinalizationTotal.WithLabelValues(result).Inc()
	}
	if FinalizationLatency != nil {
		FinalizationLatency.WithLabelValues(result).Observe(DurationMillis(d))
	}
}

// CountSessionFault records a session that entered the fault state.
func CountSessionFault() {
	if SessionFaultTotal != nil {
		SessionFaultTotal.Inc()
	}
}
