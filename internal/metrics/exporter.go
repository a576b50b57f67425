// Package metrics exposes the process counters for Prometheus.
//
// Registers:
//
//	tradegate_rest_calls_total, tradegate_rest_failures_total
//	tradegate_retries_total, tradegate_order_rejections_total
//	tradegate_stream_messages_total, tradegate_stream_errors_suppressed_total
//	tradegate_stream_reconnects_total, tradegate_journal_rows_uploaded_total
//	tradegate_critical_calls_pending
//	go_* and process_* system metrics
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradegate/logger"
)

const namespace = "tradegate"

type Exporter struct {
	registry *prometheus.Registry
	log      *logger.Log
}

// NewExporter builds a registry backed by logger.Counters. pending, when set,
// reports the number of critical calls in flight.
func NewExporter(pending func() int, log *logger.Log) *Exporter {
	if log == nil {
		log = logger.GetLogger()
	}
	reg := prometheus.NewRegistry()

	counter := func(name, help string, read func(logger.Snapshot) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(logger.Counters())) })
	}

	reg.MustRegister(
		counter("rest_calls_total", "REST requests sent to the exchange",
			func(s logger.Snapshot) int64 { return s.RestCalls }),
		counter("rest_failures_total", "REST requests that failed or returned an error envelope",
			func(s logger.Snapshot) int64 { return s.RestFailures }),
		counter("retries_total", "Retried exchange calls",
			func(s logger.Snapshot) int64 { return s.Retries }),
		counter("order_rejections_total", "Orders rejected locally or by the exchange",
			func(s logger.Snapshot) int64 { return s.OrderRejections }),
		counter("stream_messages_total", "Market-data stream messages received",
			func(s logger.Snapshot) int64 { return s.StreamMessages }),
		counter("stream_errors_suppressed_total", "Duplicate stream errors not logged",
			func(s logger.Snapshot) int64 { return s.StreamSuppressed }),
		counter("stream_reconnects_total", "Stream reconnect attempts",
			func(s logger.Snapshot) int64 { return s.StreamReconnects }),
		counter("journal_rows_uploaded_total", "Order outcomes uploaded to the journal",
			func(s logger.Snapshot) int64 { return s.JournalUploads }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "critical_calls_pending",
			Help:      "Critical exchange calls currently running",
		}, func() float64 { return float64(pending()) }))
	}
	return &Exporter{registry: reg, log: log}
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	e.log.WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
