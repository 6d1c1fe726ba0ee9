package simulation

import (
	"time"

	"github.com/hashicorp/go-metrics"

	"shardlock/internal/protocol"
)

// MetricsConfig holds the settings of the in-memory metrics sink.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// NewMetrics builds a metrics instance over an in-memory sink. When metrics
// are disabled the sink discards everything.
func NewMetrics(cfg MetricsConfig) (*metrics.Metrics, *metrics.InmemSink, error) {
	conf := metrics.DefaultConfig(cfg.ServiceName)
	conf.EnableHostname = false
	conf.EnableHostnameLabel = false
	conf.EnableRuntimeMetrics = false

	if !cfg.Enabled {
		m, err := metrics.New(conf, &metrics.BlackholeSink{})
		return m, nil, err
	}
	// rounds are not timed; one interval covers a whole run
	sink := metrics.NewInmemSink(time.Hour, time.Hour)
	m, err := metrics.New(conf, sink)
	if err != nil {
		return nil, nil, err
	}
	return m, sink, nil
}

// MetricsObserver counts protocol events.
type MetricsObserver struct {
	m *metrics.Metrics
}

func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) Observe(e protocol.Event) {
	msg := e.Message
	o.m.IncrCounter([]string{"messages", e.Kind.String(), msg.Kind.String()}, 1)

	switch {
	case e.Kind == protocol.EventIssued && msg.Kind == protocol.RollbackForward:
		o.m.IncrCounter([]string{"deadlocks"}, 1)
	case e.Kind == protocol.EventSent && msg.Kind == protocol.Execute && msg.Tx.Cursor == 0:
		// only restarts send an execute for the first step
		o.m.IncrCounter([]string{"restarts"}, 1)
	case e.Kind == protocol.EventRelayed:
		o.m.IncrCounter([]string{"relays"}, 1)
	}
}
