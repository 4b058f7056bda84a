// Package health implements C12: a read-only snapshot of C3 through C11
// for external probes, exposed over the same HTTP server shape the
// teacher's long-polling handler uses — a chi router, grounded on
// internal/handler/lp/delivery.go's `go-chi/chi/v5` wiring.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgebridge/relay/internal/link"
	"github.com/edgebridge/relay/internal/model"
)

// Recorder owns the §6.4 prometheus counters/gauges. It is passed to the
// components that produce these events (C8's ingest coordinator, C11's
// executor) the same nil-safe way telemetry.Recorder already is, so a
// process run without health.NewRecorder still works uninstrumented.
type Recorder struct {
	registry *prometheus.Registry

	messagesReceived   prometheus.Counter
	messagesSent       *prometheus.CounterVec // label: success
	commandsProcessed  *prometheus.CounterVec // label: success
	bidirectionalState prometheus.Gauge       // 1 connected, 0 otherwise
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		messagesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "edge_relay_messages_received_total",
			Help: "Inbound messages processed by the ingest coordinator.",
		}),
		messagesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "edge_relay_messages_sent_total",
			Help: "Outbound sends attempted by the send adapter.",
		}, []string{"success"}),
		commandsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "edge_relay_commands_processed_total",
			Help: "Orchestrator commands processed by the executor.",
		}, []string{"success"}),
		bidirectionalState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "edge_relay_bidirectional_connected",
			Help: "1 if the bidirectional orchestrator channel is connected, 0 otherwise.",
		}),
	}
	return r
}

// MessageReceived records one inbound message accepted by C8.
func (r *Recorder) MessageReceived() {
	if r == nil {
		return
	}
	r.messagesReceived.Inc()
}

// MessageSent records one outbound send attempted by C4.
func (r *Recorder) MessageSent(success bool) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(boolLabel(success)).Inc()
}

// CommandProcessed records one command handled by C11.
func (r *Recorder) CommandProcessed(success bool) {
	if r == nil {
		return
	}
	r.commandsProcessed.WithLabelValues(boolLabel(success)).Inc()
}

// SetBidirectionalConnected reflects C7's current link state.
func (r *Recorder) SetBidirectionalConnected(connected bool) {
	if r == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	r.bidirectionalState.Set(v)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RegisterScrapeGauges wires the three /metrics series (§6.4) that read
// live state at scrape time rather than being incremented as events
// happen: uptime, scheduled_messages_total (one series per status), and
// memory_mb. Split out from NewRecorder because the scheduler and the
// supervisor's start time aren't known until later in startup.
func (r *Recorder) RegisterScrapeGauges(startedAt time.Time, sched SchedulerSnapshot) {
	if r == nil {
		return
	}

	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "edge_relay_uptime_seconds",
		Help: "Seconds since the supervisor finished startup.",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "edge_relay_memory_mb",
		Help: "Current process heap allocation in MiB.",
	}, func() float64 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		return float64(mem.Alloc) / (1024 * 1024)
	})

	if sched == nil {
		return
	}
	for _, status := range []string{"pending", "sent", "failed", "cancelled"} {
		status := status
		promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "edge_relay_scheduled_messages_total",
			Help:        "Scheduled message rows by status.",
			ConstLabels: prometheus.Labels{"status": status},
		}, func() float64 {
			stats, err := sched.Stats(context.Background())
			if err != nil {
				return 0
			}
			switch status {
			case "pending":
				return float64(stats.Pending)
			case "sent":
				return float64(stats.Sent)
			case "failed":
				return float64(stats.Failed)
			case "cancelled":
				return float64(stats.Cancelled)
			default:
				return 0
			}
		})
	}
}

// SchedulerSnapshot is the subset of C9's stats the health surface reads.
type SchedulerSnapshot interface {
	Stats(ctx context.Context) (model.SchedulerStats, error)
}

// LinkSnapshot is the subset of C7 the health surface reads.
type LinkSnapshot interface {
	State() link.State
}

// Surface is the read-only HTTP front exposing /health, /ready, /live,
// /metrics. It never mutates any component it reads from.
type Surface struct {
	logger    recorderLogger
	startedAt time.Time
	scheduler SchedulerSnapshot
	link      LinkSnapshot
	metrics   *Recorder

	ready atomic.Bool
}

// recorderLogger is the minimal logging surface Surface needs, kept
// narrow so tests don't need a real *slog.Logger.
type recorderLogger interface {
	Error(msg string, args ...any)
}

func NewSurface(sched SchedulerSnapshot, l LinkSnapshot, metrics *Recorder, logger recorderLogger) *Surface {
	s := &Surface{
		logger:    logger,
		startedAt: time.Now(),
		scheduler: sched,
		link:      l,
		metrics:   metrics,
	}
	metrics.RegisterScrapeGauges(s.startedAt, sched)
	return s
}

// MarkReady flips /ready to report true. Called by the lifecycle
// supervisor once startup order (§4.11) has completed.
func (s *Surface) MarkReady() { s.ready.Store(true) }

// snapshot is the /health JSON body.
type snapshot struct {
	UptimeSeconds  float64       `json:"uptime_seconds"`
	LinkState      string        `json:"link_state"`
	SchedulerStats schedulerJSON `json:"scheduler"`
	MemoryMB       float64       `json:"memory_mb"`
}

type schedulerJSON struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (s *Surface) buildSnapshot(ctx context.Context) snapshot {
	var stats model.SchedulerStats
	if s.scheduler != nil {
		if st, err := s.scheduler.Stats(ctx); err == nil {
			stats = st
		} else if s.logger != nil {
			s.logger.Error("health: scheduler stats query failed", "error", err)
		}
	}
	state := link.StateDisconnected
	if s.link != nil {
		state = s.link.State()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return snapshot{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		LinkState:     string(state),
		SchedulerStats: schedulerJSON{
			Pending:   stats.Pending,
			Sent:      stats.Sent,
			Failed:    stats.Failed,
			Cancelled: stats.Cancelled,
		},
		MemoryMB: float64(mem.Alloc) / (1024 * 1024),
	}
}

// Router builds the chi mux serving §6.4's four endpoints.
func (s *Surface) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := s.buildSnapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Surface) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ready":false}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ready":true}`))
}

func (s *Surface) handleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"live":true}`))
}
