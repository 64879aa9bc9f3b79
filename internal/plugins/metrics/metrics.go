// Package metrics exports turn, send, stream and error counters in the
// Prometheus exposition format.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/turnkit/internal/dispatch"
	"github.com/nextlevelbuilder/turnkit/internal/streaming"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const namespace = "turnkit"

// Plugin is a dispatch.Plugin that owns a private registry.
type Plugin struct {
	registry *prometheus.Registry

	inbound  *prometheus.CounterVec
	turns    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	routes   *prometheus.HistogramVec
	sent     *prometheus.CounterVec
	chunks   *prometheus.CounterVec
	closes   *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// New registers the turnkit collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Plugin {
	p := &Plugin{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_activities_total",
			Help:      "Inbound activities received, by channel and type.",
		}, []string{"channel", "type"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns, by channel and response status.",
		}, []string{"channel", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from inbound activity to response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		routes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_routes_executed",
			Help:      "Route handlers executed per turn.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}, []string{"channel"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_sent_total",
			Help:      "Outbound activities confirmed by the transport.",
		}, []string{"channel", "type", "update"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Intermediate stream activities delivered.",
		}, []string{"channel"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_closes_total",
			Help:      "Streams closed with a final message.",
		}, []string{"channel"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Handler and plugin failures. plugin is empty for handler errors.",
		}, []string{"plugin", "event"}),
	}
	p.registry.MustRegister(
		p.inbound, p.turns, p.duration, p.routes,
		p.sent, p.chunks, p.closes, p.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Plugin) Name() string { return "metrics" }

// Registry exposes the underlying registry, mostly for tests.
func (p *Plugin) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry.
func (p *Plugin) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Plugin) OnActivity(_ context.Context, ev dispatch.ActivityEvent) error {
	p.inbound.WithLabelValues(channelOf(ev.Activity), string(ev.Activity.Type)).Inc()
	return nil
}

func (p *Plugin) OnActivityResponse(_ context.Context, ev dispatch.ResponseEvent) error {
	ch := channelOf(ev.Activity)
	p.turns.WithLabelValues(ch, strconv.Itoa(ev.Response.Status)).Inc()
	p.duration.WithLabelValues(ch).Observe(ev.Duration.Seconds())
	p.routes.WithLabelValues(ch).Observe(float64(ev.Response.Meta.RoutesExecuted))
	return nil
}

func (p *Plugin) OnActivitySent(_ context.Context, ev dispatch.SentEvent) error {
	p.sent.WithLabelValues(channelOf(ev.Inbound), string(ev.Activity.Type), strconv.FormatBool(ev.Update)).Inc()
	return nil
}

func (p *Plugin) OnStream(_ context.Context, inbound *protocol.Activity, s *streaming.Streamer) {
	ch := channelOf(inbound)
	chunks := p.chunks.WithLabelValues(ch)
	closes := p.closes.WithLabelValues(ch)
	s.OnChunk(func(*protocol.Activity) { chunks.Inc() })
	s.OnClose(func(*protocol.Activity) { closes.Inc() })
}

func (p *Plugin) OnError(_ context.Context, ev dispatch.ErrorEvent) error {
	p.errors.WithLabelValues(ev.Plugin, ev.Event).Inc()
	return nil
}

func channelOf(a *protocol.Activity) string {
	if a == nil || a.ChannelID == "" {
		return "unknown"
	}
	return a.ChannelID
}
