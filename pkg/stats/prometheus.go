package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikolay-pshenichny/linkerd/pkg/h2"
)

// Prometheus is a Receiver backed by prometheus collectors. Counter
// increments and histogram observations never block, which keeps the
// transport's no-blocking contract intact.
type Prometheus struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	streamResets   *prometheus.CounterVec
	streamDuration prometheus.Histogram
}

// NewPrometheus builds the stream collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "h2",
			Subsystem: "stream",
			Name:      "frames_sent_total",
			Help:      "Frames written toward the peer, by kind.",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "h2",
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Frames accepted from the peer, by kind.",
		}, []string{"kind"}),
		streamResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "h2",
			Subsystem: "stream",
			Name:      "resets_total",
			Help:      "Streams terminated by reset, by error code and initiator.",
		}, []string{"code", "source"}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "h2",
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Stream lifetime from creation to close.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(p.framesSent, p.framesReceived, p.streamResets, p.streamDuration)
	return p
}

// FrameSent implements Receiver.
func (p *Prometheus) FrameSent(kind FrameKind) {
	p.framesSent.WithLabelValues(string(kind)).Inc()
}

// FrameReceived implements Receiver.
func (p *Prometheus) FrameReceived(kind FrameKind) {
	p.framesReceived.WithLabelValues(string(kind)).Inc()
}

// StreamReset implements Receiver.
func (p *Prometheus) StreamReset(code h2.Reset, source h2.Source) {
	p.streamResets.WithLabelValues(code.String(), source.String()).Inc()
}

// StreamClosed implements Receiver.
func (p *Prometheus) StreamClosed(d time.Duration) {
	p.streamDuration.Observe(d.Seconds())
}
