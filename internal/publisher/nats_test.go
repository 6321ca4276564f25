package publisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vdv-nats-bridge/internal/metrics"
	"vdv-nats-bridge/internal/vdv"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

func TestPublishIstFahrt(t *testing.T) {
	assert := assert.New(t)
	conn := &mockConn{}
	mcol := metrics.NewCollector()
	p := New(conn, true, mcol)
	sent := time.Unix(1700000000, 0)
	p.now = func() time.Time { return sent }

	var payload []byte
	conn.On("Publish", "aus.istfahrt.id:M10._.id:123:tag:2024_01_01", mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(1).([]byte) }).
		Return(nil).Once()

	f := &vdv.IstFahrt{
		LinienID:        "M10",
		FahrtRef:        &vdv.FahrtRef{FahrtID: vdv.FahrtID{FahrtBezeichner: "123", Betriebstag: "2024-01-01"}},
		Zst:             "2024-01-01T12:00:00Z",
		BestaetigungZst: "2024-01-01T12:00:01Z",
	}
	topic, err := p.PublishIstFahrt(f)
	require.NoError(t, err)
	assert.Equal("aus.istfahrt.id:M10._.id:123:tag:2024_01_01", topic)
	conn.AssertExpectations(t)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal("M10", decoded["LinienID"])
	assert.Equal("2024-01-01T12:00:01Z", decoded["$BestaetigungZst"])

	assert.Equal(1.0, testutil.ToFloat64(mcol.NATSMessagesSent.WithLabelValues("aus")))
	assert.Equal(1700000000.0, testutil.ToFloat64(mcol.NATSLatestMessageSent.WithLabelValues("aus")))
	want := float64(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Unix())
	assert.Equal(want, testutil.ToFloat64(mcol.LatestAusIstFahrtZst))
}

func TestPublishIstFahrtError(t *testing.T) {
	assert := assert.New(t)
	conn := &mockConn{}
	mcol := metrics.NewCollector()
	p := New(conn, false, mcol)

	conn.On("Publish", mock.Anything, mock.Anything).Return(errors.New("connection closed"))

	_, err := p.PublishIstFahrt(&vdv.IstFahrt{})
	assert.Error(err)
	assert.Equal(1.0, testutil.ToFloat64(mcol.NATSPublishErrs.WithLabelValues("aus")))
	assert.Equal(0.0, testutil.ToFloat64(mcol.NATSMessagesSent.WithLabelValues("aus")))
}

func TestPublishWithoutMetrics(t *testing.T) {
	conn := &mockConn{}
	conn.On("Publish", "aus.istfahrt._._._", mock.Anything).Return(nil)
	p := New(conn, false, nil)

	_, err := p.PublishIstFahrt(&vdv.IstFahrt{Zst: "2024-01-01T12:00:00Z"})
	assert.NoError(t, err)
	p.Close()
}
