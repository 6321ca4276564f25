package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric of the bridge on its own registry.
// It is created once at startup and passed to the components that need it.
type Collector struct {
	reg *prometheus.Registry

	DatenBereitAnfrages  *prometheus.CounterVec // service
	ClientStatusAnfrages *prometheus.CounterVec // service
	StatusAntworts       *prometheus.CounterVec // service
	StatusAntwortOK      *prometheus.GaugeVec   // service, status: 1 = ok, 0 = not ok
	DatenAbrufenAntworts *prometheus.CounterVec // service

	ActiveSubscriptions *prometheus.GaugeVec   // service
	DataFetches         *prometheus.CounterVec // service, kind: started|succeeded|failed
	AusIstFahrts        *prometheus.SummaryVec // datensatz_alle

	LatestAusIstFahrtZst prometheus.Gauge
	LatestServerZst      prometheus.Gauge
	ServerStartDienstZst *prometheus.GaugeVec // service

	NATSMessagesSent      *prometheus.CounterVec // topic_root
	NATSLatestMessageSent *prometheus.GaugeVec   // topic_root
	NATSPublishErrs       *prometheus.CounterVec // topic_root
	NATSConnected         prometheus.Gauge
	PublishDuration       prometheus.Histogram

	mu     sync.Mutex
	latest map[string]float64
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		DatenBereitAnfrages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vdv_datenbereitanfrages_total",
			Help: "number of incoming VDV-453 DatenBereitAnfrage requests received from the server",
		}, []string{"service"}),
		ClientStatusAnfrages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vdv_clientstatusanfrages_total",
			Help: "number of incoming VDV-453 ClientStatusAnfrage requests received from the server",
		}, []string{"service"}),
		StatusAntworts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vdv_statusantworts_total",
			Help: "number of VDV-453 StatusAntwort responses from the server",
		}, []string{"service"}),
		StatusAntwortOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vdv_statusantwort_ok_timestamp_seconds",
			Help: "when the VDV-453 server has last reported as (not) ok via StatusAntwort",
		}, []string{"service", "status"}),
		DatenAbrufenAntworts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vdv_datenabrufenantworts_total",
			Help: "number of VDV-453 DatenAbrufenAntwort responses from the server",
		}, []string{"service"}),
		ActiveSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vdv_active_subs_total",
			Help: "number of subscriptions (\"Abos\")",
		}, []string{"service"}),
		DataFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vdv_data_fetches_total",
			Help: "number of data fetches (one fetch is a series of DatenAbrufenAnfrage requests)",
		}, []string{"service", "kind"}),
		AusIstFahrts: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name: "vdv_aus_istfahrts_total",
			Help: "number of VDV-454 AUS IstFahrts obtained in each fetch",
		}, []string{"datensatz_alle"}),
		LatestAusIstFahrtZst: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vdv_latest_aus_istfahrt_zst_seconds",
			Help: "latest Zst (timestamp) seen in any VDV-454 AUS IstFahrt",
		}),
		LatestServerZst: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vdv_latest_server_zst_seconds",
			Help: "latest Zst (timestamp) seen in any response by the server, effectively a proxy for the server's current time",
		}),
		ServerStartDienstZst: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vdv_server_startdienstzst_seconds",
			Help: "The server's StatusAntwort.StartDienstZst (timestamp), as obtained from StatusAnfrage requests",
		}, []string{"service"}),
		NATSMessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nats_nr_of_msgs_sent_total",
			Help: "number of messages sent to NATS",
		}, []string{"topic_root"}),
		NATSLatestMessageSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nats_latest_msg_sent_timestamp_seconds",
			Help: "when the latest message has been sent to NATS",
		}, []string{"topic_root"}),
		NATSPublishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "number of failed NATS publish calls",
		}, []string{"topic_root"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		latest: make(map[string]float64),
	}

	reg.MustRegister(
		c.DatenBereitAnfrages, c.ClientStatusAnfrages, c.StatusAntworts, c.StatusAntwortOK, c.DatenAbrufenAntworts,
		c.ActiveSubscriptions, c.DataFetches, c.AusIstFahrts,
		c.LatestAusIstFahrtZst, c.LatestServerZst, c.ServerStartDienstZst,
		c.NATSMessagesSent, c.NATSLatestMessageSent, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry. Only GET and POST are allowed.
func (c *Collector) Handler() http.Handler {
	h := promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("metrics server error")
		}
	}()
	log.WithFields(logTags).Infof("serving Prometheus metrics on %s", addr)
	return srv
}
