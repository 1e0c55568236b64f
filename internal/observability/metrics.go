package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	attachedSessions    prometheus.Gauge
	sessionEventsTotal  *prometheus.CounterVec
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	runTotal        *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	dispatchTotal   *prometheus.CounterVec
	stepsFinalized  *prometheus.CounterVec
	handlerFaults   *prometheus.CounterVec
	activeRuns      prometheus.Gauge

	emittedTotal       *prometheus.CounterVec
	emitterDropped     prometheus.Counter
	emitterResyncTotal *prometheus.CounterVec

	gatewayConnections prometheus.Gauge
	gatewayRejected    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tandem_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tandem_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tandem_active_sessions",
					Help: "Current registered session count.",
				},
			),
			attachedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tandem_attached_sessions",
					Help: "Sessions with a bound client connection.",
				},
			),
			sessionEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_session_events_total",
					Help: "Session lifecycle events by kind (created, resumed, expired, terminated).",
				},
				[]string{"event"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tandem_session_load_duration_seconds",
					Help:    "Snapshot load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tandem_session_save_duration_seconds",
					Help:    "Snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_run_total",
					Help: "Total runs by handler and outcome.",
				},
				[]string{"handler", "outcome"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tandem_run_duration_seconds",
					Help:    "Run duration in seconds by handler.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"handler"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_dispatch_total",
					Help: "Inbound dispatches by result (started, queued, replaced, rejected).",
				},
				[]string{"result"},
			),
			stepsFinalized: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_steps_finalized_total",
					Help: "Steps resolved by the runner at run end, by status.",
				},
				[]string{"status"},
			),
			handlerFaults: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_handler_faults_total",
					Help: "Handler failures by handler and kind (error, panic, timeout).",
				},
				[]string{"handler", "kind"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tandem_active_runs",
					Help: "Runs currently executing across all sessions.",
				},
			),
			emittedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_emitted_total",
					Help: "Outbound frames delivered by type.",
				},
				[]string{"type"},
			),
			emitterDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tandem_emitter_dropped_total",
					Help: "Outbound frames discarded in favour of a resync snapshot.",
				},
			),
			emitterResyncTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_emitter_resync_total",
					Help: "Resync snapshots scheduled by reason.",
				},
				[]string{"reason"},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tandem_gateway_connections",
					Help: "Open client connections.",
				},
			),
			gatewayRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tandem_gateway_rejected_total",
					Help: "Inbound frames rejected by the gateway, by error code.",
				},
				[]string{"code"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.attachedSessions,
			m.sessionEventsTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.runTotal,
			m.runDuration,
			m.dispatchTotal,
			m.stepsFinalized,
			m.handlerFaults,
			m.activeRuns,
			m.emittedTotal,
			m.emitterDropped,
			m.emitterResyncTotal,
			m.gatewayConnections,
			m.gatewayRejected,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetAttachedSessions(count int) {
	getMetrics().attachedSessions.Set(float64(count))
}

// RecordSessionEvent counts a lifecycle transition (created, resumed, restored,
// expired, terminated) or a delayed snapshot write (snapshot_delayed).
func RecordSessionEvent(event string) {
	getMetrics().sessionEventsTotal.WithLabelValues(event).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordRunStarted() {
	getMetrics().activeRuns.Inc()
}

func RecordRun(handler, outcome string, duration time.Duration) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.runTotal.WithLabelValues(handler, outcome).Inc()
	m.runDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

func RecordDispatch(result string) {
	getMetrics().dispatchTotal.WithLabelValues(result).Inc()
}

func RecordStepsFinalized(status string, count int) {
	if count <= 0 {
		return
	}
	getMetrics().stepsFinalized.WithLabelValues(status).Add(float64(count))
}

func RecordHandlerFault(handler, kind string) {
	getMetrics().handlerFaults.WithLabelValues(handler, kind).Inc()
}

func RecordEmitted(eventType string) {
	getMetrics().emittedTotal.WithLabelValues(eventType).Inc()
}

func RecordEmitterDropped(n int) {
	if n <= 0 {
		return
	}
	getMetrics().emitterDropped.Add(float64(n))
}

func RecordEmitterResync(reason string) {
	getMetrics().emitterResyncTotal.WithLabelValues(reason).Inc()
}

func SetGatewayConnections(count int) {
	getMetrics().gatewayConnections.Set(float64(count))
}

func RecordGatewayRejected(code string) {
	getMetrics().gatewayRejected.WithLabelValues(code).Inc()
}
