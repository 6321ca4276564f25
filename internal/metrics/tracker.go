package metrics

import (
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

var logTags = log.Fields{
	"module":    "metrics",
	"component": "tracker",
}

// Zst values without an offset are interpreted in local time, like the
// servers we talk to usually do.
var zstLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseZst parses a VDV-453 timestamp.
func ParseZst(zst string) (time.Time, bool) {
	for _, layout := range zstLayouts {
		if t, err := time.ParseInLocation(layout, zst, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// AdvanceIfNewer sets g to seconds unless a larger value has already been
// recorded under key. key must identify the gauge together with its labels.
func (c *Collector) AdvanceIfNewer(g prometheus.Gauge, key string, seconds float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.latest[key]; ok && seconds < prev {
		return false
	}
	c.latest[key] = seconds
	g.Set(seconds)
	return true
}

func (c *Collector) advanceWithZst(g prometheus.Gauge, key, zst string) {
	t, ok := ParseZst(zst)
	if !ok {
		log.WithFields(logTags).WithField("zst", zst).Debug("ignoring unparseable Zst")
		return
	}
	c.AdvanceIfNewer(g, key, unixSeconds(t))
}

func (c *Collector) TrackLatestAusIstFahrtZst(zst string) {
	c.advanceWithZst(c.LatestAusIstFahrtZst, "latest_aus_istfahrt_zst", zst)
}

func (c *Collector) TrackLatestServerZst(zst string) {
	c.advanceWithZst(c.LatestServerZst, "latest_server_zst", zst)
}

func (c *Collector) TrackServerStartDienstZst(service, zst string) {
	c.advanceWithZst(c.ServerStartDienstZst.WithLabelValues(service), "server_startdienstzst/"+service, zst)
}

// TrackStatusAntwortOK records when the server last reported as ok (or not ok).
func (c *Collector) TrackStatusAntwortOK(service string, ok bool, at time.Time) {
	status := "0"
	if ok {
		status = "1"
	}
	c.StatusAntwortOK.WithLabelValues(service, status).Set(unixSeconds(at))
}

func (c *Collector) TrackSubscriptions(service string, nrOfSubscriptions int) {
	c.ActiveSubscriptions.WithLabelValues(service).Set(float64(nrOfSubscriptions))
}

func (c *Collector) TrackDataFetch(service, kind string) {
	c.DataFetches.WithLabelValues(service, kind).Inc()
}

func (c *Collector) ObserveAusFetch(datensatzAlle bool, nrOfIstFahrts int) {
	c.AusIstFahrts.WithLabelValues(strconv.FormatBool(datensatzAlle)).Observe(float64(nrOfIstFahrts))
}

func (c *Collector) TrackPublished(topicRoot string, at time.Time) {
	c.NATSMessagesSent.WithLabelValues(topicRoot).Inc()
	c.NATSLatestMessageSent.WithLabelValues(topicRoot).Set(unixSeconds(at))
}

func (c *Collector) TrackPublishError(topicRoot string) {
	c.NATSPublishErrs.WithLabelValues(topicRoot).Inc()
}

func (c *Collector) ObservePublish(d time.Duration) {
	c.PublishDuration.Observe(d.Seconds())
}

func (c *Collector) SetNATSConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
