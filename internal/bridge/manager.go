package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"vdv-nats-bridge/internal/config"
	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/vdv"
)

// Pipeline publishes a single record to the bus.
type Pipeline interface {
	PublishIstFahrt(f *vdv.IstFahrt) (string, error)
}

// Subscription is an active, upstream-acknowledged subscription.
type Subscription struct {
	AboID     int
	Service   vdv.Service
	CreatedAt time.Time
}

// Manager starts and stops subscriptions and forwards their records to the Pipeline.
type Manager struct {
	client        vdv.Client
	pipeline      Pipeline
	metrics       *metrics.Collector
	fetchInterval time.Duration
	logTags       log.Fields

	mu        sync.Mutex
	listening map[vdv.Service]bool
	active    map[*Subscription]struct{}
}

// NewManager creates a manager. The client and pipeline are borrowed, not owned.
func NewManager(client vdv.Client, pipeline Pipeline, m *metrics.Collector, fetchInterval time.Duration) *Manager {
	return &Manager{
		client:        client,
		pipeline:      pipeline,
		metrics:       m,
		fetchInterval: fetchInterval,
		logTags: log.Fields{
			"module":    "bridge",
			"component": "subscription-manager",
		},
		listening: make(map[vdv.Service]bool),
		active:    make(map[*Subscription]struct{}),
	}
}

// Start performs the subscription handshake for req. The handshake is not
// retried here.
func (m *Manager) Start(ctx context.Context, req config.Subscription) (*Subscription, error) {
	if !config.IsSupportedService(req.Service) {
		return nil, &UnsupportedServiceError{Service: req.Service}
	}
	svc := vdv.Service(req.Service)

	// The client may fetch as soon as the handshake succeeds, before
	// Subscribe returns, so the listener has to be in place first.
	m.mu.Lock()
	if !m.listening[svc] {
		// one listener per service, so that each record is published once
		// no matter how many subscriptions deliver it
		m.client.AddRecordListener(svc, &recordForwarder{
			svc:      svc,
			pipeline: m.pipeline,
			logTags:  m.logTags,
		})
		m.listening[svc] = true
	}
	m.mu.Unlock()

	sub, err := m.client.Subscribe(ctx, svc, req.Expires, m.fetchInterval)
	if err != nil {
		return nil, &UpstreamSubscribeError{Service: svc, Err: err}
	}

	s := &Subscription{AboID: sub.AboID, Service: svc, CreatedAt: time.Now()}
	m.mu.Lock()
	m.active[s] = struct{}{}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TrackSubscriptions(svc.Path(), sub.Stats.NrOfSubscriptions)
	}
	log.WithFields(m.logTags).WithFields(log.Fields{
		"service": svc,
		"abo_id":  sub.AboID,
		"expires": req.Expires.Format(time.RFC3339),
	}).Info("subscribed")
	return s, nil
}

// Stop unsubscribes s. Stopping nil, an already stopped or a foreign
// subscription is a no-op.
func (m *Manager) Stop(ctx context.Context, s *Subscription) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	if _, ok := m.active[s]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, s)
	m.mu.Unlock()

	if err := m.client.Unsubscribe(ctx, s.Service, s.AboID); err != nil {
		return fmt.Errorf("unsubscribe %s AboID %d: %w", s.Service, s.AboID, err)
	}
	log.WithFields(m.logTags).WithFields(log.Fields{
		"service": s.Service,
		"abo_id":  s.AboID,
	}).Info("unsubscribed")
	return nil
}

// Active returns a snapshot of all active subscriptions.
func (m *Manager) Active() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscription, 0, len(m.active))
	for s := range m.active {
		subs = append(subs, s)
	}
	return subs
}

type recordForwarder struct {
	svc      vdv.Service
	pipeline Pipeline
	logTags  log.Fields
}

// HandleIstFahrt publishes synchronously. A failing record is logged and
// dropped; it must not affect the records after it.
func (r *recordForwarder) HandleIstFahrt(_ context.Context, f *vdv.IstFahrt) {
	topic, err := r.pipeline.PublishIstFahrt(f)
	if err != nil {
		log.WithError(err).WithFields(r.logTags).WithFields(log.Fields{
			"service": r.svc,
			"topic":   topic,
		}).Warn("failed to publish IstFahrt")
	}
}
