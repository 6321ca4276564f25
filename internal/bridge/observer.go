package bridge

import (
	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/vdv"
)

// NewMetricsObserver exposes upstream protocol events as metrics.
func NewMetricsObserver(m *metrics.Collector) vdv.Observer {
	return &metricsObserver{m: m}
}

type metricsObserver struct{ m *metrics.Collector }

func (o *metricsObserver) trackServerZst(zst string) {
	if zst != "" {
		o.m.TrackLatestServerZst(zst)
	}
}

func (o *metricsObserver) DatenBereitAnfrage(svc vdv.Service, zst string) {
	o.m.DatenBereitAnfrages.WithLabelValues(svc.Path()).Inc()
	o.trackServerZst(zst)
}

func (o *metricsObserver) ClientStatusAnfrage(svc vdv.Service, zst string) {
	o.m.ClientStatusAnfrages.WithLabelValues(svc.Path()).Inc()
	o.trackServerZst(zst)
}

func (o *metricsObserver) StatusAntwort(svc vdv.Service, a vdv.StatusAntwort) {
	o.m.StatusAntworts.WithLabelValues(svc.Path()).Inc()
	o.trackServerZst(a.Status.Zst)
}

func (o *metricsObserver) DatenAbrufenAntwort(svc vdv.Service, b vdv.Bestaetigung) {
	o.m.DatenAbrufenAntworts.WithLabelValues(svc.Path()).Inc()
	o.trackServerZst(b.Zst)
}

// The subscription count always comes from the client's own bookkeeping,
// since the client may coalesce or split subscriptions.

func (o *metricsObserver) Subscribed(svc vdv.Service, sub vdv.Subscription, b vdv.Bestaetigung) {
	o.m.TrackSubscriptions(svc.Path(), sub.Stats.NrOfSubscriptions)
	o.trackServerZst(b.Zst)
}

func (o *metricsObserver) SubscriptionUpdated(svc vdv.Service, sub vdv.Subscription, b vdv.Bestaetigung) {
	o.m.TrackSubscriptions(svc.Path(), sub.Stats.NrOfSubscriptions)
	o.trackServerZst(b.Zst)
}

func (o *metricsObserver) SubscriptionExpired(svc vdv.Service, sub vdv.Subscription) {
	o.m.TrackSubscriptions(svc.Path(), sub.Stats.NrOfSubscriptions)
}

func (o *metricsObserver) SubscriptionCanceled(svc vdv.Service, sub vdv.Subscription, _ string) {
	o.m.TrackSubscriptions(svc.Path(), sub.Stats.NrOfSubscriptions)
}

func (o *metricsObserver) DataFetchStarted(svc vdv.Service, _ bool) {
	o.m.TrackDataFetch(svc.Path(), "started")
}

func (o *metricsObserver) DataFetchSucceeded(svc vdv.Service, _ bool, _ vdv.FetchStats) {
	o.m.TrackDataFetch(svc.Path(), "succeeded")
}

func (o *metricsObserver) DataFetchFailed(svc vdv.Service, _ bool, _ error, _ vdv.FetchStats) {
	o.m.TrackDataFetch(svc.Path(), "failed")
}

func (o *metricsObserver) AusFetchSucceeded(datensatzAlle bool, nrOfIstFahrts int) {
	o.m.ObserveAusFetch(datensatzAlle, nrOfIstFahrts)
}
