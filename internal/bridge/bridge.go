package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"vdv-nats-bridge/internal/config"
	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/vdv"
)

// Bus is the publishing side of the message bus, owned by the Bridge.
type Bus interface {
	Pipeline
	Close()
}

type Dependencies struct {
	// Upstream is owned by the Bridge from Start until Stop.
	Upstream vdv.Client
	// ConnectBus is called once, after the upstream listener is bound.
	ConnectBus func() (Bus, error)
	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Bridge forwards upstream records to the bus.
type Bridge struct {
	upstream vdv.Client
	bus      Bus
	manager  *Manager
	poller   *Poller
	logTags  log.Fields
}

// Start validates cfg, binds the upstream listener, connects to the bus,
// starts every configured subscription and the liveness poller.
//
// If a subscription fails, the error is returned together with the Bridge;
// subscriptions that did start are left running.
func Start(ctx context.Context, cfg *config.Config, deps Dependencies) (*Bridge, error) {
	if err := cfg.Validate(time.Now()); err != nil {
		return nil, err
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	logTags := log.Fields{
		"module":    "bridge",
		"component": "orchestrator",
		"instance":  cfg.Leitstelle,
	}

	if err := deps.Upstream.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	log.WithFields(logTags).Infof("listening on port %d", cfg.Port)

	bus, err := deps.ConnectBus()
	if err != nil {
		if cerr := deps.Upstream.Close(ctx); cerr != nil {
			log.WithError(cerr).WithFields(logTags).Warn("failed to close upstream listener")
		}
		return nil, err
	}

	b := &Bridge{
		upstream: deps.Upstream,
		bus:      bus,
		manager:  NewManager(deps.Upstream, bus, m, cfg.Options.AusManualFetchInterval),
		poller:   NewPoller(deps.Upstream, vdv.AUS, m, cfg.Options.CheckServerStatusInterval),
		logTags:  logTags,
	}

	var g errgroup.Group
	for _, req := range cfg.Subscriptions {
		req := req
		g.Go(func() error {
			_, err := b.manager.Start(ctx, req)
			return err
		})
	}

	// the poller outlives ctx, only Stop ends it
	b.poller.Start(context.WithoutCancel(ctx))

	// TODO: stop the subscriptions that did start if one of them fails
	if err := g.Wait(); err != nil {
		return b, err
	}
	return b, nil
}

// Manager returns the subscription manager.
func (b *Bridge) Manager() *Manager { return b.manager }

// Stop cancels the poller, unsubscribes all active subscriptions concurrently
// and releases the upstream listener and the bus connection. Failures are
// collected, they do not stop the remaining steps. Stop must be called once.
func (b *Bridge) Stop(ctx context.Context) error {
	b.poller.Stop()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, s := range b.manager.Active() {
		s := s
		g.Go(func() error {
			if err := b.manager.Stop(ctx, s); err != nil {
				log.WithError(err).WithFields(b.logTags).Warn("failed to unsubscribe")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := b.upstream.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close upstream: %w", err))
	}
	b.bus.Close()
	log.WithFields(b.logTags).Info("stopped")
	return errors.Join(errs...)
}
