package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"

	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/vdv"
)

// Conn is the fire-and-forget publish primitive of the bus. *nats.Conn implements it.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATSOptions struct {
	URL            string
	User           string
	Password       string
	Name           string
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

type NATSPublisher struct {
	conn        Conn
	nc          *nats.Conn
	logSubjects bool
	metrics     *metrics.Collector
	logTags     log.Fields
	now         func() time.Time
}

// Connect dials NATS. m may be nil.
func Connect(opts NATSOptions, logSubjects bool, m *metrics.Collector) (*NATSPublisher, error) {
	logTags := log.Fields{
		"module":    "publisher",
		"component": "nats",
		"instance":  opts.URL,
	}
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SetNATSConnected(false)
			}
			log.WithError(err).WithFields(logTags).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetNATSConnected(true)
			}
			log.WithFields(logTags).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetNATSConnected(false)
			}
			log.WithFields(logTags).Info("nats closed")
		}),
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}
	if opts.ReconnectWait > 0 {
		natsOpts = append(natsOpts, nats.ReconnectWait(opts.ReconnectWait))
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if m != nil {
		m.SetNATSConnected(true)
	}
	log.WithFields(logTags).Infof("connected to NATS at %s", nc.ConnectedUrl())
	p := New(nc, logSubjects, m)
	p.nc = nc
	p.logTags = logTags
	return p, nil
}

// New wraps an existing connection. m may be nil.
func New(conn Conn, logSubjects bool, m *metrics.Collector) *NATSPublisher {
	return &NATSPublisher{
		conn:        conn,
		logSubjects: logSubjects,
		metrics:     m,
		logTags: log.Fields{
			"module":    "publisher",
			"component": "nats",
		},
		now: time.Now,
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.WithError(err).WithFields(p.logTags).Warn("nats drain failed")
		}
		p.nc.Close()
	}
}

// PublishIstFahrt publishes f under its derived topic without waiting for an
// acknowledgement. It returns the topic used.
func (p *NATSPublisher) PublishIstFahrt(f *vdv.IstFahrt) (string, error) {
	if p.metrics != nil && f.Zst != "" {
		p.metrics.TrackLatestAusIstFahrtZst(f.Zst)
	}

	topic := DeriveTopic(f)
	topicRoot := TopicRoot(topic)
	b, err := json.Marshal(f)
	if err != nil {
		return topic, fmt.Errorf("encode IstFahrt: %w", err)
	}
	if p.logSubjects {
		log.WithFields(p.logTags).WithField("topic", topic).Debug("publishing AUS IstFahrt to NATS")
	}

	start := p.now()
	err = p.conn.Publish(topic, b)
	if p.metrics != nil {
		p.metrics.ObservePublish(time.Since(start))
		if err != nil {
			p.metrics.TrackPublishError(topicRoot)
		} else {
			p.metrics.TrackPublished(topicRoot, start)
		}
	}
	if err != nil {
		return topic, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return topic, nil
}
