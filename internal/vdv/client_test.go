package vdv

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers VDV-453 requests with canned XML documents per operation.
type fakeServer struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	requests  map[string][]string
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{
		responses: make(map[string][]fakeResponse),
		requests:  make(map[string][]string),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

// on queues answers for op; the last one is repeated.
func (f *fakeServer) on(op string, rs ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[op] = append(f.responses[op], rs...)
}

func (f *fakeServer) received(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests[op]...)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /{leitstelle}/{service}/{op}.xml
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	op := strings.TrimSuffix(parts[len(parts)-1], ".xml")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests[op] = append(f.requests[op], string(body))
	rs := f.responses[op]
	var res fakeResponse
	switch {
	case len(rs) == 0:
		res = fakeResponse{status: http.StatusNotFound}
	case len(rs) == 1:
		res = rs[0]
	default:
		res = rs[0]
		f.responses[op] = rs[1:]
	}
	f.mu.Unlock()

	if res.status == 0 {
		res.status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(res.status)
	_, _ = io.WriteString(w, res.body)
}

const aboOK = `<AboAntwort><Bestaetigung Zst="2024-01-01T10:00:00+01:00" Ergebnis="ok" Fehlernummer="0"/></AboAntwort>`

type recordingObserver struct {
	nopObserver

	mu       sync.Mutex
	events   []string
	canceled []Subscription
}

func (o *recordingObserver) record(ev string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) Subscribed(Service, Subscription, Bestaetigung) { o.record("subscribed") }
func (o *recordingObserver) DatenBereitAnfrage(Service, string) { o.record("datenbereit") }
func (o *recordingObserver) StatusAntwort(Service, StatusAntwort) { o.record("statusantwort") }
func (o *recordingObserver) DataFetchStarted(Service, bool) { o.record("fetch-started") }
func (o *recordingObserver) AusFetchSucceeded(bool, int) { o.record("aus-fetch-succeeded") }

func (o *recordingObserver) SubscriptionCanceled(_ Service, sub Subscription, _ string) {
	o.mu.Lock()
	o.canceled = append(o.canceled, sub)
	o.mu.Unlock()
	o.record("canceled")
}

func newTestClient(endpoint string, obs Observer) *HTTPClient {
	return NewHTTPClient(ClientConfig{
		Leitstelle:          "ODEG",
		TheirLeitstelle:     "VBB",
		Endpoint:            endpoint,
		RequestTimeout:      time.Second,
		SubscribeMaxElapsed: 3 * time.Second,
	}, obs)
}

func TestSubscribeThenFetchOnDatenBereit(t *testing.T) {
	assert := assert.New(t)
	fake, srv := newFakeServer(t)
	fake.on("aboverwalten", fakeResponse{body: aboOK})
	fake.on("datenabrufen",
		fakeResponse{body: `<DatenAbrufenAntwort>
  <Bestaetigung Zst="2024-01-01T10:00:01+01:00" Ergebnis="ok" Fehlernummer="0"/>
  <WeitereDaten>true</WeitereDaten>
  <AUSNachricht AboID="1">
    <IstFahrt Zst="2024-01-01T10:00:00+01:00">
      <LinienID>M10</LinienID>
      <FahrtRef><FahrtID><FahrtBezeichner>123</FahrtBezeichner><Betriebstag>2024-01-01</Betriebstag></FahrtID></FahrtRef>
      <IstHalt><HaltID>900100001</HaltID></IstHalt>
    </IstFahrt>
    <IstFahrt><LinienID>M4</LinienID></IstFahrt>
  </AUSNachricht>
</DatenAbrufenAntwort>`},
		fakeResponse{body: `<DatenAbrufenAntwort>
  <Bestaetigung Zst="2024-01-01T10:00:02+01:00" Ergebnis="ok" Fehlernummer="0"/>
  <WeitereDaten>false</WeitereDaten>
  <AUSNachricht AboID="1"><IstFahrt><LinienID>S1</LinienID></IstFahrt></AUSNachricht>
</DatenAbrufenAntwort>`},
	)

	obs := &recordingObserver{}
	c := newTestClient(srv.URL, obs)
	defer c.Close(context.Background())

	var (
		mu      sync.Mutex
		records []IstFahrt
	)
	c.AddRecordListener(AUS, RecordListenerFunc(func(_ context.Context, f *IstFahrt) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, *f)
	}))

	sub, err := c.Subscribe(context.Background(), AUS, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(1, sub.AboID)
	assert.Equal(1, sub.Stats.NrOfSubscriptions)
	reqs := fake.received("aboverwalten")
	require.Len(t, reqs, 1)
	assert.Contains(reqs[0], `<AboAUS AboID="1"`)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/VBB/aus/datenbereit.xml",
		strings.NewReader(`<DatenBereitAnfrage Sender="VBB" Zst="2024-01-01T10:00:00+01:00"/>`)))
	assert.Equal(http.StatusOK, rec.Code)
	var ack datenBereitAntwort
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(ack.Bestaetigung.OK())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal("M10", records[0].LinienID)
	bezeichner, betriebstag := records[0].TripID()
	assert.Equal("123", bezeichner)
	assert.Equal("2024-01-01", betriebstag)
	assert.Equal("2024-01-01T10:00:01+01:00", records[0].BestaetigungZst)
	assert.Equal("M4", records[1].LinienID)
	assert.Equal("S1", records[2].LinienID)
	assert.Equal("2024-01-01T10:00:02+01:00", records[2].BestaetigungZst)
	mu.Unlock()

	fetches := fake.received("datenabrufen")
	require.Len(t, fetches, 2)
	assert.Contains(fetches[0], "<DatensatzAlle>true</DatensatzAlle>")
	require.Eventually(t, func() bool {
		for _, ev := range obs.seen() {
			if ev == "aus-fetch-succeeded" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Equal([]string{"subscribed", "datenbereit", "fetch-started", "aus-fetch-succeeded"}, obs.seen())
}

func TestSubscribeRejected(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.on("aboverwalten", fakeResponse{body: `<AboAntwort><Bestaetigung Zst="2024-01-01T10:00:00+01:00" Ergebnis="notok" Fehlernummer="3"><Fehlertext>unknown Leitstelle</Fehlertext></Bestaetigung></AboAntwort>`})

	c := newTestClient(srv.URL, nil)
	defer c.Close(context.Background())

	_, err := c.Subscribe(context.Background(), AUS, time.Now().Add(time.Hour), 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "3", apiErr.Fehlernummer)
	assert.Equal(t, "unknown Leitstelle", apiErr.Fehlertext)
	assert.Len(t, fake.received("aboverwalten"), 1, "negative confirmations are not retried")
}

func TestSubscribeRetriesServerErrors(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.on("aboverwalten", fakeResponse{status: http.StatusServiceUnavailable}, fakeResponse{body: aboOK})

	c := newTestClient(srv.URL, nil)
	defer c.Close(context.Background())

	_, err := c.Subscribe(context.Background(), AUS, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, fake.received("aboverwalten"), 2)
}

func TestSubscribeDoesNotRetryClientErrors(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.on("aboverwalten", fakeResponse{status: http.StatusForbidden})

	c := newTestClient(srv.URL, nil)
	defer c.Close(context.Background())

	_, err := c.Subscribe(context.Background(), AUS, time.Now().Add(time.Hour), 0)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Len(t, fake.received("aboverwalten"), 1)
}

func TestSubscribeValidatesArguments(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1", nil)
	defer c.Close(context.Background())

	_, err := c.Subscribe(context.Background(), Service("REF-AUS"), time.Now().Add(time.Hour), 0)
	assert.Error(t, err)
	_, err = c.Subscribe(context.Background(), AUS, time.Now().Add(-time.Second), 0)
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	assert := assert.New(t)
	fake, srv := newFakeServer(t)
	fake.on("aboverwalten", fakeResponse{body: aboOK})

	obs := &recordingObserver{}
	c := newTestClient(srv.URL, obs)
	defer c.Close(context.Background())

	sub, err := c.Subscribe(context.Background(), AUS, time.Now().Add(time.Hour), time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe(context.Background(), AUS, sub.AboID))

	reqs := fake.received("aboverwalten")
	require.Len(t, reqs, 2)
	assert.Contains(reqs[1], "<AboLoeschen>1</AboLoeschen>")
	require.Len(t, obs.canceled, 1)
	assert.Equal(1, obs.canceled[0].AboID)
	assert.Equal(0, obs.canceled[0].Stats.NrOfSubscriptions)

	// unknown AboID: sent, but no local event
	require.NoError(t, c.Unsubscribe(context.Background(), AUS, 42))
	assert.Len(obs.canceled, 1)
}

func TestSubscriptionExpires(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.on("aboverwalten", fakeResponse{body: aboOK})

	expired := make(chan Subscription, 1)
	obs := &expiryObserver{expired: expired}
	c := newTestClient(srv.URL, obs)
	defer c.Close(context.Background())

	_, err := c.Subscribe(context.Background(), AUS, time.Now().Add(50*time.Millisecond), 0)
	require.NoError(t, err)

	select {
	case sub := <-expired:
		assert.Equal(t, 1, sub.AboID)
		assert.Equal(t, 0, sub.Stats.NrOfSubscriptions)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not expire")
	}
}

type expiryObserver struct {
	nopObserver
	expired chan Subscription
}

func (o *expiryObserver) SubscriptionExpired(_ Service, sub Subscription) { o.expired <- sub }

func TestCheckServerStatus(t *testing.T) {
	assert := assert.New(t)
	fake, srv := newFakeServer(t)
	fake.on("status",
		fakeResponse{body: `<StatusAntwort><Status Zst="2024-01-01T10:00:00+01:00" Ergebnis="ok"/><DatenBereit>false</DatenBereit><StartDienstZst>2024-01-01T03:00:00+01:00</StartDienstZst></StatusAntwort>`},
		fakeResponse{body: `<StatusAntwort><Status Zst="2024-01-01T10:00:05+01:00" Ergebnis="notok"/></StatusAntwort>`},
	)

	obs := &recordingObserver{}
	c := newTestClient(srv.URL, obs)
	defer c.Close(context.Background())

	st, err := c.CheckServerStatus(context.Background(), AUS)
	require.NoError(t, err)
	assert.True(st.Status.OK())
	assert.Equal("2024-01-01T03:00:00+01:00", st.StartDienstZst)
	assert.Equal([]string{"statusantwort"}, obs.seen())

	_, err = c.CheckServerStatus(context.Background(), AUS)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.StatusAntwort)
	assert.Equal("2024-01-01T10:00:05+01:00", apiErr.StatusAntwort.Status.Zst)
}

func TestClientStatusAnfrage(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1", nil)
	defer c.Close(context.Background())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/VBB/aus/clientstatus.xml",
		strings.NewReader(`<ClientStatusAnfrage Sender="VBB" Zst="2024-01-01T10:00:00+01:00"/>`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var res clientStatusAntwort
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Status.OK())
	assert.NotEmpty(t, res.StartDienstZst)

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/VBB/aus/clientstatus.xml", strings.NewReader("garbage")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDatenBereitAfterCloseDoesNotFetch(t *testing.T) {
	fake, srv := newFakeServer(t)
	fake.on("datenabrufen", fakeResponse{body: `<DatenAbrufenAntwort><Bestaetigung Zst="2024-01-01T10:00:01+01:00" Ergebnis="ok" Fehlernummer="0"/></DatenAbrufenAntwort>`})

	obs := &recordingObserver{}
	c := newTestClient(srv.URL, obs)
	require.NoError(t, c.Close(context.Background()))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/VBB/aus/datenbereit.xml",
		strings.NewReader(`<DatenBereitAnfrage Sender="VBB" Zst="2024-01-01T10:00:00+01:00"/>`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fake.received("datenabrufen"))
	assert.Empty(t, obs.seen())
}
