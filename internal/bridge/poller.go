package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"

	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/vdv"
)

const minInitialStatusCheckWait = 2 * time.Second

// Poller periodically checks the upstream server's status, independent of
// any subscription.
type Poller struct {
	client      vdv.Client
	svc         vdv.Service
	metrics     *metrics.Collector
	interval    time.Duration
	initialWait time.Duration
	now         func() time.Time
	logTags     log.Fields

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPoller(client vdv.Client, svc vdv.Service, m *metrics.Collector, interval time.Duration) *Poller {
	return &Poller{
		client:      client,
		svc:         svc,
		metrics:     m,
		interval:    interval,
		initialWait: max(interval/30, minInitialStatusCheckWait),
		now:         time.Now,
		logTags: log.Fields{
			"module":    "bridge",
			"component": "liveness-poller",
			"instance":  svc.Path(),
		},
	}
}

// Start launches the polling loop. The next check is scheduled only after
// the previous one has finished.
func (p *Poller) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(p.initialWait)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			p.check(ctx)
			if ctx.Err() != nil {
				return
			}
			timer.Reset(p.interval)
		}
	}()
}

// Stop cancels the loop, including a check in flight, and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) tsOrNow(zst string) time.Time {
	if zst != "" {
		if t, ok := metrics.ParseZst(zst); ok {
			return t
		}
	}
	return p.now()
}

func (p *Poller) check(ctx context.Context) {
	label := p.svc.Path()
	st, err := p.client.CheckServerStatus(ctx, p.svc)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).WithFields(p.logTags).Warn("failed to check server status")
		var apiErr *vdv.APIError
		if errors.As(err, &apiErr) && apiErr.StatusAntwort != nil {
			// server seems not ok
			p.metrics.TrackStatusAntwortOK(label, false, p.tsOrNow(apiErr.StatusAntwort.Status.Zst))
		}
		return
	}

	if st.StartDienstZst == "" {
		log.WithFields(p.logTags).Warn("server did not provide a StatusAntwort.StartDienstZst")
	} else {
		p.metrics.TrackServerStartDienstZst(label, st.StartDienstZst)
	}
	p.metrics.TrackStatusAntwortOK(label, true, p.tsOrNow(st.Status.Zst))
}
