package metrics

import (
	"net/http"
	"time"

	"github.com/bnema/chatsync/internal/adapters/transport/ws"
	"github.com/bnema/chatsync/internal/application"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Prometheus records pool, flush, ingest and hub observations on its own
// registry.
type Prometheus struct {
	registry *prometheus.Registry

	openConnections prometheus.Gauge
	evictions       prometheus.Counter

	flushes        prometheus.Counter
	flushedRecords prometheus.Counter
	failedGroups   prometheus.Counter
	flushDuration  prometheus.Histogram
	bufferDepth    prometheus.Gauge

	buffered     *prometheus.CounterVec
	chunksSent   prometheus.Counter
	ingestErrors prometheus.Counter

	sessions       prometheus.Gauge
	framesReceived prometheus.Counter
}

var (
	_ application.PoolMetrics   = (*Prometheus)(nil)
	_ application.FlushMetrics  = (*Prometheus)(nil)
	_ application.IngestMetrics = (*Prometheus)(nil)
	_ ws.HubMetrics             = (*Prometheus)(nil)
)

func New() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "open_connections",
			Help: "Chat connections currently held by the client pool.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "evictions_total",
			Help: "Connections closed to make room for a newer chat.",
		}),
		flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "runs_total",
			Help: "Flush passes over a non-empty pending buffer.",
		}),
		flushedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "records_total",
			Help: "Pending records moved into the primary store.",
		}),
		failedGroups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flush", Name: "failed_groups_total",
			Help: "Chat groups left in the buffer after a failed append.",
		}),
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "flush", Name: "duration_seconds",
			Help:    "Wall time of one flush pass.",
			Buckets: prometheus.DefBuckets,
		}),
		bufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "pending_records",
			Help: "Records waiting in the pending buffer after the last flush.",
		}),
		buffered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "buffered_messages_total",
			Help: "Messages appended to the pending buffer by role.",
		}, []string{"role"}),
		chunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "chunks_sent_total",
			Help: "Reply chunks written to clients.",
		}),
		ingestErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "failures_total",
			Help: "Inbound messages rejected or not buffered.",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "sessions",
			Help: "Open server side websocket sessions.",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "frames_received_total",
			Help: "Frames read from client connections.",
		}),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) SetOpenConnections(n int) { p.openConnections.Set(float64(n)) }

func (p *Prometheus) ConnectionEvicted() { p.evictions.Inc() }

func (p *Prometheus) FlushCompleted(_, records, failedGroups int, elapsed time.Duration) {
	p.flushes.Inc()
	p.flushedRecords.Add(float64(records))
	p.failedGroups.Add(float64(failedGroups))
	p.flushDuration.Observe(elapsed.Seconds())
}

func (p *Prometheus) SetBufferDepth(n int) { p.bufferDepth.Set(float64(n)) }

func (p *Prometheus) MessageBuffered(role string) { p.buffered.WithLabelValues(role).Inc() }

func (p *Prometheus) ChunkSent() { p.chunksSent.Inc() }

func (p *Prometheus) IngestFailed() { p.ingestErrors.Inc() }

func (p *Prometheus) SessionOpened() { p.sessions.Inc() }

func (p *Prometheus) SessionClosed() { p.sessions.Dec() }

func (p *Prometheus) FrameReceived() { p.framesReceived.Inc() }
