package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveProfiles      prometheus.Gauge
	ActiveViewers       prometheus.Gauge
	ScreenshotsRelayed  prometheus.Counter
	InputCommandsTotal  *prometheus.CounterVec
	ProxyClientsActive  prometheus.Gauge
	ProxyErrorsTotal    *prometheus.CounterVec
	BackendRestarts     prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	GatewayRejections   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveProfiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roverfox",
			Name:      "active_profiles",
			Help:      "Number of sessions with a live producer",
		}),
		ActiveViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roverfox",
			Name:      "active_viewers",
			Help:      "Number of viewer subscriptions across all sessions",
		}),
		ScreenshotsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roverfox",
			Name:      "screenshots_relayed_total",
			Help:      "Screenshot frames relayed to viewers",
		}),
		InputCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roverfox",
			Name:      "input_commands_total",
			Help:      "Remote input commands relayed to producers",
		}, []string{"type"}),
		ProxyClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roverfox",
			Name:      "proxy_clients_active",
			Help:      "Client sockets attached to the browser proxy",
		}),
		ProxyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roverfox",
			Name:      "proxy_errors_total",
			Help:      "Browser proxy failures by stage",
		}, []string{"stage"}),
		BackendRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roverfox",
			Name:      "backend_restarts_total",
			Help:      "Browser backend restart attempts",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roverfox",
			Name:      "messages_dropped_total",
			Help:      "Inbound replay messages dropped by reason",
		}, []string{"reason"}),
		GatewayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roverfox",
			Name:      "gateway_rejections_total",
			Help:      "Handshakes rejected at the gateway by cause",
		}, []string{"cause"}),
	}
	r.MustRegister(
		m.ActiveProfiles, m.ActiveViewers, m.ScreenshotsRelayed,
		m.InputCommandsTotal, m.ProxyClientsActive, m.ProxyErrorsTotal,
		m.BackendRestarts, m.MessagesDropped, m.GatewayRejections,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
