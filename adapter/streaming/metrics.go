package streaming

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	connects    *prometheus.CounterVec
	frames      *prometheus.CounterVec
	drops       *prometheus.CounterVec
	heartbeats  prometheus.Counter
)

// RegisterMetrics registers the streaming counters with r. Safe to call
// more than once; metric recording is a no-op until the first call.
func RegisterMetrics(r prometheus.Registerer) {
	metricsOnce.Do(func() {
		connects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ig", Subsystem: "stream", Name: "connects_total",
			Help: "Connection attempts by outcome",
		}, []string{"status"})

		frames = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ig", Subsystem: "stream", Name: "frames_total",
			Help: "Frames received by type",
		}, []string{"type"})

		drops = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ig", Subsystem: "stream", Name: "drops_total",
			Help: "Updates dropped by reason",
		}, []string{"reason"})

		heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ig", Subsystem: "stream", Name: "heartbeats_total",
			Help: "Heartbeat frames sent",
		})

		for _, c := range []prometheus.Collector{connects, frames, drops, heartbeats} {
			_ = r.Register(c)
		}
	})
}

func incConnect(status string) {
	if connects != nil {
		connects.WithLabelValues(status).Inc()
	}
}

func incFrame(frameType string) {
	if frames != nil {
		frames.WithLabelValues(frameType).Inc()
	}
}

func incDrop(reason string) {
	if drops != nil {
		drops.WithLabelValues(reason).Inc()
	}
}

func incHeartbeat() {
	if heartbeats != nil {
		heartbeats.Inc()
	}
}
