package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

type Metrics struct {
	SentMessagesCounter *prometheus.CounterVec
	OutboxJobsGauge     *prometheus.GaugeVec
	TrackingHitsCounter *prometheus.CounterVec
	MemoryUsageGauge    *prometheus.GaugeVec
	CpuUsageGauge       *prometheus.GaugeVec
}

// NewMetrics registers the Prometheus metrics and optionally starts the
// HTTP server exposing them.
func NewMetrics(startHttpServer bool, httpPort int, logger *slog.Logger) *Metrics {
	metrics := &Metrics{
		SentMessagesCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "app_sent_messages_total",
				Help: "Total number of outbound messages handled.",
			},
			[]string{"pipe", "status"},
		),
		OutboxJobsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "app_outbox_jobs",
				Help: "Number of jobs parked in the outbox.",
			},
			[]string{"status"},
		),
		TrackingHitsCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "app_tracking_hits_total",
				Help: "Open and click tracking hits.",
			},
			[]string{"kind"},
		),
		MemoryUsageGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "app_memory_usage_bytes",
				Help: "Amount of memory used by the application.",
			},
			[]string{"type"},
		),
		CpuUsageGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "app_cpu_usage_percent",
				Help: "CPU usage percentage.",
			},
			[]string{"cpu"},
		),
	}

	prometheus.MustRegister(metrics.SentMessagesCounter)
	prometheus.MustRegister(metrics.OutboxJobsGauge)
	prometheus.MustRegister(metrics.TrackingHitsCounter)
	prometheus.MustRegister(metrics.MemoryUsageGauge)
	prometheus.MustRegister(metrics.CpuUsageGauge)

	if startHttpServer {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("starting Prometheus metrics server", "port", httpPort)
			if err := http.ListenAndServe(":"+strconv.Itoa(httpPort), nil); err != nil {
				logger.Error("Prometheus server stopped", "error", err)
			}
		}()
	}

	return metrics
}

// CollectMemoryAndCpu samples process host usage into the gauges until the
// context is cancelled.
func (m *Metrics) CollectMemoryAndCpu(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if vm, err := mem.VirtualMemory(); err == nil {
				m.MemoryUsageGauge.WithLabelValues("used").Set(float64(vm.Used))
				m.MemoryUsageGauge.WithLabelValues("total").Set(float64(vm.Total))
			}
			if percents, err := cpu.Percent(0, true); err == nil {
				for i, p := range percents {
					m.CpuUsageGauge.WithLabelValues(strconv.Itoa(i)).Set(p)
				}
			}
		}
	}
}
