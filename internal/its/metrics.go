package its

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands *prometheus.CounterVec
	timeouts prometheus.Counter
	lpisBusy prometheus.Gauge
	devices  prometheus.Gauge
	l2Pages  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "its",
			Name:      "commands_total",
			Help:      "Commands written to the ITS command queue.",
		}, []string{"opcode"}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "its",
			Name:      "completion_timeouts_total",
			Help:      "Command batches the hardware did not finish within the poll budget.",
		}),
		lpisBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "its",
			Name:      "lpis_busy",
			Help:      "LPIs currently bound to device events.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "its",
			Name:      "devices",
			Help:      "Devices with a mapped interrupt translation table.",
		}),
		l2Pages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "its",
			Name:      "device_table_l2_pages",
			Help:      "Second-level device table pages installed.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.commands, m.timeouts, m.lpisBusy, m.devices, m.l2Pages} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("its: register metrics: %w", err)
		}
	}
	return m, nil
}
