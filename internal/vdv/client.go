package vdv

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
)

// maxFetchesPerRun bounds a DatenAbrufen loop in case the server keeps
// answering WeitereDaten=true.
const maxFetchesPerRun = 100

type ClientConfig struct {
	Leitstelle      string
	TheirLeitstelle string
	// Endpoint is the base URL of the VDV-453 server.
	Endpoint       string
	RequestTimeout time.Duration
	// SubscribeMaxElapsed bounds the retries of a subscribe request on transport errors.
	SubscribeMaxElapsed time.Duration
}

type aboState struct {
	sub   Subscription
	timer *time.Timer
}

// HTTPClient is a minimal VDV-453 client for the AUS service.
type HTTPClient struct {
	cfg     ClientConfig
	http    *http.Client
	obs     Observer
	logTags log.Fields
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	nextAboID int
	abos      map[Service]map[int]*aboState
	listeners map[Service][]RecordListener
	loops     map[Service]context.CancelFunc
	needAll   map[Service]bool
	fetchMu   map[Service]*sync.Mutex
	wg        sync.WaitGroup

	srv *http.Server
}

// NewHTTPClient creates a client. obs may be nil.
func NewHTTPClient(cfg ClientConfig, obs Observer) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.SubscribeMaxElapsed <= 0 {
		cfg.SubscribeMaxElapsed = 30 * time.Second
	}
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		obs:  obs,
		logTags: log.Fields{
			"module":    "vdv",
			"component": "client",
			"instance":  cfg.Leitstelle,
		},
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		nextAboID: 1,
		abos:      make(map[Service]map[int]*aboState),
		listeners: make(map[Service][]RecordListener),
		loops:     make(map[Service]context.CancelFunc),
		needAll:   make(map[Service]bool),
		fetchMu:   make(map[Service]*sync.Mutex),
	}
}

func (c *HTTPClient) url(svc Service, op string) string {
	return fmt.Sprintf("%s/%s/%s/%s.xml", strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Leitstelle, svc.Path(), op)
}

func (c *HTTPClient) post(ctx context.Context, svc Service, op string, req, resp any) error {
	body, err := xml.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	u := c.url(svc, op)
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(append([]byte(xml.Header), body...)))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "text/xml; charset=utf-8")
	res, err := c.http.Do(hr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, res.Body)
		return &HTTPError{Op: op, URL: u, StatusCode: res.StatusCode}
	}
	if err := xml.NewDecoder(res.Body).Decode(resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) stats(svc Service) SubscriptionStats {
	return SubscriptionStats{NrOfSubscriptions: len(c.abos[svc])}
}

// Subscribe creates an Abo for svc. Transport failures are retried with an
// exponential backoff; negative confirmations are not.
func (c *HTTPClient) Subscribe(ctx context.Context, svc Service, expiresAt time.Time, fetchInterval time.Duration) (Subscription, error) {
	if svc != AUS {
		return Subscription{}, fmt.Errorf("unsupported service %q", svc)
	}
	if !expiresAt.After(time.Now()) {
		return Subscription{}, fmt.Errorf("expiresAt %s is not in the future", expiresAt.Format(time.RFC3339))
	}

	c.mu.Lock()
	aboID := c.nextAboID
	c.nextAboID++
	c.mu.Unlock()

	req := aboAnfrage{
		Sender: c.cfg.Leitstelle,
		Zst:    formatZst(time.Now()),
		AboAUS: &aboAUS{AboID: aboID, VerfallZst: formatZst(expiresAt)},
	}
	var resp aboAntwort
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.SubscribeMaxElapsed
	op := func() error {
		err := c.post(ctx, svc, "aboverwalten", req, &resp)
		if err != nil {
			var herr *HTTPError
			if errors.As(err, &herr) && herr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if !resp.Bestaetigung.OK() {
			return backoff.Permanent(apiErrorFromBestaetigung("AboAnfrage", svc, resp.Bestaetigung))
		}
		return nil
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.WithError(err).WithFields(c.logTags).Warnf("AboAnfrage failed, retrying in %s", d)
	})
	if err != nil {
		return Subscription{}, err
	}

	c.mu.Lock()
	if c.abos[svc] == nil {
		c.abos[svc] = make(map[int]*aboState)
	}
	st := &aboState{sub: Subscription{AboID: aboID, Service: svc, ExpiresAt: expiresAt}}
	c.abos[svc][aboID] = st
	st.sub.Stats = c.stats(svc)
	st.timer = time.AfterFunc(time.Until(expiresAt), func() { c.expire(svc, aboID) })
	c.needAll[svc] = true
	c.ensureFetchLoop(svc, fetchInterval)
	sub := st.sub
	c.mu.Unlock()

	log.WithFields(c.logTags).Infof("subscribed to %s, AboID %d, expires %s", svc, aboID, expiresAt.Format(time.RFC3339))
	c.obs.Subscribed(svc, sub, resp.Bestaetigung)
	return sub, nil
}

// Unsubscribe deletes the Abo on the server. Unknown AboIDs are still sent
// to the server, but no local event is emitted for them.
func (c *HTTPClient) Unsubscribe(ctx context.Context, svc Service, aboID int) error {
	req := aboAnfrage{
		Sender:      c.cfg.Leitstelle,
		Zst:         formatZst(time.Now()),
		AboLoeschen: []int{aboID},
	}
	var resp aboAntwort
	if err := c.post(ctx, svc, "aboverwalten", req, &resp); err != nil {
		return err
	}
	if !resp.Bestaetigung.OK() {
		return apiErrorFromBestaetigung("AboLoeschen", svc, resp.Bestaetigung)
	}
	if sub, ok := c.remove(svc, aboID); ok {
		c.obs.SubscriptionCanceled(svc, sub, "unsubscribed")
	}
	return nil
}

func (c *HTTPClient) expire(svc Service, aboID int) {
	if sub, ok := c.remove(svc, aboID); ok {
		log.WithFields(c.logTags).Infof("%s subscription %d expired", svc, aboID)
		c.obs.SubscriptionExpired(svc, sub)
	}
}

func (c *HTTPClient) remove(svc Service, aboID int) (Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.abos[svc][aboID]
	if !ok {
		return Subscription{}, false
	}
	st.timer.Stop()
	delete(c.abos[svc], aboID)
	if len(c.abos[svc]) == 0 {
		c.stopFetchLoop(svc)
	}
	sub := st.sub
	sub.Stats = c.stats(svc)
	return sub, true
}

// CheckServerStatus sends a StatusAnfrage. An unhealthy answer is returned as
// *APIError carrying the StatusAntwort.
func (c *HTTPClient) CheckServerStatus(ctx context.Context, svc Service) (ServerStatus, error) {
	req := statusAnfrage{Sender: c.cfg.Leitstelle, Zst: formatZst(time.Now())}
	var resp statusAntwortXML
	if err := c.post(ctx, svc, "status", req, &resp); err != nil {
		return ServerStatus{}, err
	}
	a := resp.StatusAntwort
	if !a.Status.OK() {
		return ServerStatus{}, &APIError{
			Op:            "StatusAnfrage",
			Service:       svc,
			Ergebnis:      a.Status.Ergebnis,
			StatusAntwort: &a,
		}
	}
	c.obs.StatusAntwort(svc, a)
	return ServerStatus{Status: a.Status, StartDienstZst: a.StartDienstZst}, nil
}

func (c *HTTPClient) AddRecordListener(svc Service, l RecordListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[svc] = append(c.listeners[svc], l)
}

// ensureFetchLoop must be called with c.mu held.
func (c *HTTPClient) ensureFetchLoop(svc Service, interval time.Duration) {
	if interval <= 0 || c.ctx.Err() != nil {
		return
	}
	if _, ok := c.loops[svc]; ok {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.loops[svc] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.fetch(ctx, svc); err != nil && ctx.Err() == nil {
					log.WithError(err).WithFields(c.logTags).Warnf("manual %s fetch failed", svc)
				}
			}
		}
	}()
}

// stopFetchLoop must be called with c.mu held.
func (c *HTTPClient) stopFetchLoop(svc Service) {
	if cancel, ok := c.loops[svc]; ok {
		cancel()
		delete(c.loops, svc)
	}
}

func (c *HTTPClient) fetchLock(svc Service) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.fetchMu[svc]
	if !ok {
		m = &sync.Mutex{}
		c.fetchMu[svc] = m
	}
	return m
}

// fetch runs DatenAbrufenAnfrage requests until the server reports no more
// data. Fetches of one service never overlap, so records are delivered in order.
func (c *HTTPClient) fetch(ctx context.Context, svc Service) error {
	lock := c.fetchLock(svc)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	datensatzAlle := c.needAll[svc]
	listeners := append([]RecordListener(nil), c.listeners[svc]...)
	c.mu.Unlock()

	c.obs.DataFetchStarted(svc, datensatzAlle)
	t0 := time.Now()
	nrOfFetches := 0
	nrOfIstFahrts := 0
	for {
		nrOfFetches++
		req := datenAbrufenAnfrage{
			Sender:        c.cfg.Leitstelle,
			Zst:           formatZst(time.Now()),
			DatensatzAlle: datensatzAlle,
		}
		var resp datenAbrufenAntwort
		err := c.post(ctx, svc, "datenabrufen", req, &resp)
		if err == nil && !resp.Bestaetigung.OK() {
			err = apiErrorFromBestaetigung("DatenAbrufenAnfrage", svc, resp.Bestaetigung)
		}
		if err != nil {
			c.obs.DataFetchFailed(svc, datensatzAlle, err, FetchStats{NrOfFetches: nrOfFetches, TimePassed: time.Since(t0)})
			return err
		}
		c.obs.DatenAbrufenAntwort(svc, resp.Bestaetigung)

		for _, n := range resp.AUSNachrichts {
			for i := range n.IstFahrts {
				f := n.IstFahrts[i]
				f.BestaetigungZst = resp.Bestaetigung.Zst
				nrOfIstFahrts++
				for _, l := range listeners {
					l.HandleIstFahrt(ctx, &f)
				}
			}
		}
		if !resp.WeitereDaten || nrOfFetches >= maxFetchesPerRun {
			break
		}
	}

	c.mu.Lock()
	c.needAll[svc] = false
	c.mu.Unlock()
	c.obs.DataFetchSucceeded(svc, datensatzAlle, FetchStats{NrOfFetches: nrOfFetches, TimePassed: time.Since(t0)})
	if svc == AUS {
		c.obs.AusFetchSucceeded(datensatzAlle, nrOfIstFahrts)
	}
	return nil
}

// Handler serves the requests the VDV-453 server sends to us.
func (c *HTTPClient) Handler() http.Handler {
	r := mux.NewRouter()
	prefix := "/" + c.cfg.TheirLeitstelle + "/{service}"
	r.HandleFunc(prefix+"/datenbereit.xml", c.handleDatenBereit).Methods(http.MethodPost)
	r.HandleFunc(prefix+"/clientstatus.xml", c.handleClientStatus).Methods(http.MethodPost)
	return r
}

func serviceFromPath(r *http.Request) Service {
	return Service(strings.ToUpper(mux.Vars(r)["service"]))
}

func (c *HTTPClient) writeXML(w http.ResponseWriter, v any) {
	body, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(append([]byte(xml.Header), body...))
}

func (c *HTTPClient) handleDatenBereit(w http.ResponseWriter, r *http.Request) {
	svc := serviceFromPath(r)
	var req datenBereitAnfrage
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid DatenBereitAnfrage", http.StatusBadRequest)
		return
	}

	// Close cancels c.ctx under c.mu, so no fetch is added once it waits.
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		http.Error(w, "client closed", http.StatusServiceUnavailable)
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.obs.DatenBereitAnfrage(svc, req.Zst)
	c.writeXML(w, datenBereitAntwort{Bestaetigung: Bestaetigung{
		Zst:          formatZst(time.Now()),
		Ergebnis:     "ok",
		Fehlernummer: "0",
	}})

	go func() {
		defer c.wg.Done()
		if err := c.fetch(c.ctx, svc); err != nil && c.ctx.Err() == nil {
			log.WithError(err).WithFields(c.logTags).Warnf("%s fetch after DatenBereitAnfrage failed", svc)
		}
	}()
}

func (c *HTTPClient) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	svc := serviceFromPath(r)
	var req clientStatusAnfrage
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid ClientStatusAnfrage", http.StatusBadRequest)
		return
	}
	c.obs.ClientStatusAnfrage(svc, req.Zst)
	c.writeXML(w, clientStatusAntwort{
		Status:         Status{Zst: formatZst(time.Now()), Ergebnis: "ok"},
		StartDienstZst: formatZst(c.started),
	})
}

// Listen binds addr synchronously and serves in the background.
func (c *HTTPClient) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.srv = &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(c.logTags).Error("inbound server error")
		}
	}()
	log.WithFields(c.logTags).Infof("listening on %s", ln.Addr())
	return nil
}

// Close shuts the inbound server down first, then stops fetch loops and
// expiry timers and waits for fetches in flight.
func (c *HTTPClient) Close(ctx context.Context) error {
	var err error
	if c.srv != nil {
		err = c.srv.Shutdown(ctx)
	}
	c.mu.Lock()
	c.cancel()
	for svc, abos := range c.abos {
		for _, st := range abos {
			st.timer.Stop()
		}
		c.stopFetchLoop(svc)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return err
}

type nopObserver struct{}

func (nopObserver) DatenBereitAnfrage(Service, string) {}
func (nopObserver) ClientStatusAnfrage(Service, string) {}
func (nopObserver) StatusAntwort(Service, StatusAntwort) {}
func (nopObserver) DatenAbrufenAntwort(Service, Bestaetigung) {}
func (nopObserver) Subscribed(Service, Subscription, Bestaetigung) {}
func (nopObserver) SubscriptionUpdated(Service, Subscription, Bestaetigung) {}
func (nopObserver) SubscriptionExpired(Service, Subscription) {}
func (nopObserver) SubscriptionCanceled(Service, Subscription, string) {}
func (nopObserver) DataFetchStarted(Service, bool) {}
func (nopObserver) DataFetchSucceeded(Service, bool, FetchStats) {}
func (nopObserver) DataFetchFailed(Service, bool, error, FetchStats) {}
func (nopObserver) AusFetchSucceeded(bool, int) {}
