package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"vdv-nats-bridge/internal/vdv"
)

type mockClient struct {
	mock.Mock

	mu        sync.Mutex
	listeners map[vdv.Service][]vdv.RecordListener
	checks    atomic.Int32
}

func newMockClient() *mockClient {
	return &mockClient{listeners: make(map[vdv.Service][]vdv.RecordListener)}
}

func (c *mockClient) Subscribe(_ context.Context, svc vdv.Service, expiresAt time.Time, fetchInterval time.Duration) (vdv.Subscription, error) {
	args := c.Called(svc, expiresAt, fetchInterval)
	return args.Get(0).(vdv.Subscription), args.Error(1)
}

func (c *mockClient) Unsubscribe(_ context.Context, svc vdv.Service, aboID int) error {
	return c.Called(svc, aboID).Error(0)
}

func (c *mockClient) CheckServerStatus(_ context.Context, svc vdv.Service) (vdv.ServerStatus, error) {
	c.checks.Add(1)
	args := c.Called(svc)
	return args.Get(0).(vdv.ServerStatus), args.Error(1)
}

func (c *mockClient) AddRecordListener(svc vdv.Service, l vdv.RecordListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[svc] = append(c.listeners[svc], l)
}

func (c *mockClient) Listen(addr string) error {
	return c.Called(addr).Error(0)
}

func (c *mockClient) Close(_ context.Context) error {
	return c.Called().Error(0)
}

// deliver simulates the upstream pushing f to every listener of svc.
func (c *mockClient) deliver(svc vdv.Service, f *vdv.IstFahrt) {
	c.mu.Lock()
	ls := append([]vdv.RecordListener(nil), c.listeners[svc]...)
	c.mu.Unlock()
	for _, l := range ls {
		l.HandleIstFahrt(context.Background(), f)
	}
}

func (c *mockClient) nrOfListeners(svc vdv.Service) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[svc])
}

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}
