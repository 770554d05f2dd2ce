// Package observability — metrics.go
//
// Prometheus metrics for the duskd daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9929 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: duskd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Effect labels use the fixed six-effect name set.
//   - Schedule labels use the three schedule types.
//   - No per-process or per-inhibitor labels (unbounded cardinality).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for duskd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Idleness pipeline ───────────────────────────────────────────────────

	// BunchesAppliedTotal counts effect bunches fully processed on Idle.
	BunchesAppliedTotal prometheus.Counter

	// BunchesInhibitedTotal counts bunches skipped because a blocking
	// inhibitor covered one of their declared kinds.
	BunchesInhibitedTotal prometheus.Counter

	// EffectsExecutedTotal counts effect executions, by effect name.
	EffectsExecutedTotal *prometheus.CounterVec

	// EffectsRolledBackTotal counts effect rollbacks, by effect name.
	EffectsRolledBackTotal *prometheus.CounterVec

	// EffectErrorsTotal counts failed effector requests, by effect name.
	EffectErrorsTotal *prometheus.CounterVec

	// RollbackStackDepth is the current OnActivity rollback stack depth.
	RollbackStackDepth prometheus.Gauge

	// ─── Sequencer ───────────────────────────────────────────────────────────

	// SequencerPosition is the current position within the sequence.
	SequencerPosition prometheus.Gauge

	// IdleCyclesTotal counts complete idle → awakened cycles.
	IdleCyclesTotal prometheus.Counter

	// ─── Environment ─────────────────────────────────────────────────────────

	// ScheduleSwitchesTotal counts schedule changes, by target schedule.
	ScheduleSwitchesTotal *prometheus.CounterVec

	// OnBattery is 1 when the host draws from a battery, 0 otherwise.
	OnBattery prometheus.Gauge

	// BatteryPercent is the last reported battery charge percentage.
	BatteryPercent prometheus.Gauge

	// ─── Daemon ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all duskd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BunchesAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "idleness",
			Name:      "bunches_applied_total",
			Help:      "Total effect bunches fully processed on an Idle transition.",
		}),

		BunchesInhibitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "idleness",
			Name:      "bunches_inhibited_total",
			Help:      "Total bunches skipped because of a blocking inhibitor.",
		}),

		EffectsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "effects",
			Name:      "executed_total",
			Help:      "Total effect executions, by effect name.",
		}, []string{"effect"}),

		EffectsRolledBackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "effects",
			Name:      "rolled_back_total",
			Help:      "Total effect rollbacks, by effect name.",
		}, []string{"effect"}),

		EffectErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "effects",
			Name:      "errors_total",
			Help:      "Total failed effector requests, by effect name.",
		}, []string{"effect"}),

		RollbackStackDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskd",
			Subsystem: "idleness",
			Name:      "rollback_stack_depth",
			Help:      "Current depth of the OnActivity rollback stack.",
		}),

		SequencerPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskd",
			Subsystem: "sequencer",
			Name:      "position",
			Help:      "Current position within the active sequence.",
		}),

		IdleCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "sequencer",
			Name:      "idle_cycles_total",
			Help:      "Total complete idle-awakened cycles.",
		}),

		ScheduleSwitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskd",
			Subsystem: "environment",
			Name:      "schedule_switches_total",
			Help:      "Total schedule switches, by target schedule type.",
		}, []string{"schedule"}),

		OnBattery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskd",
			Subsystem: "power",
			Name:      "on_battery",
			Help:      "1 when the host draws from a battery, 0 on external power.",
		}),

		BatteryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskd",
			Subsystem: "power",
			Name:      "battery_percent",
			Help:      "Last reported battery charge percentage.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskd",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.BunchesAppliedTotal,
		m.BunchesInhibitedTotal,
		m.EffectsExecutedTotal,
		m.EffectsRolledBackTotal,
		m.EffectErrorsTotal,
		m.RollbackStackDepth,
		m.SequencerPosition,
		m.IdleCyclesTotal,
		m.ScheduleSwitchesTotal,
		m.OnBattery,
		m.BatteryPercent,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Serve exposes the registry over HTTP on addr until ctx is cancelled.
// The daemon's other work never flows through this listener, so the serve
// loop doubles as the uptime gauge's heartbeat: one goroutine, one clock.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		failed <- srv.ListenAndServe()
	}()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-heartbeat.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case err := <-failed:
			if err == http.ErrServerClosed {
				return nil
			}
			return fmt.Errorf("metrics server on %s: %w", addr, err)
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(closeCtx)
			return nil
		}
	}
}
