package network

import (
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"securechat/storage"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// relay is a complete server side on loopback: store, hub and HTTP API.
type relay struct {
	store  *storage.Store
	hub    *Hub
	server *Server
	http   *httptest.Server
	offset atomic.Int64
}

type relayConfig struct {
	publisher  Publisher
	connection ConnectionOptions
}

func newTestRelay(t *testing.T, configure func(*relayConfig)) *relay {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "relay.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	cfg := relayConfig{
		connection: ConnectionOptions{FrameReadTimeout: 50 * time.Millisecond},
	}
	if configure != nil {
		configure(&cfg)
	}

	hub, err := ListenHub("127.0.0.1:0", HubOptions{
		Connection: cfg.connection,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = hub.Close()
	})

	r := &relay{store: store, hub: hub}

	publisher := cfg.publisher
	if publisher == nil {
		publisher = hub
	}
	server, err := NewServer(ServerOptions{
		Store:     store,
		Publisher: publisher,
		Logger:    zaptest.NewLogger(t),
		Now: func() time.Time {
			return time.Now().Add(time.Duration(r.offset.Load()))
		},
	})
	require.NoError(t, err)
	r.server = server

	r.http = httptest.NewServer(server.Handler())
	t.Cleanup(r.http.Close)
	return r
}

// advance moves the server clock ahead of wall time.
func (r *relay) advance(d time.Duration) {
	r.offset.Add(int64(d))
}

func (r *relay) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseURL:         r.http.URL,
		RealtimeAddress: r.hub.Addr().String(),
		HTTPClient:      r.http.Client(),
		Connection:      ConnectionOptions{FrameReadTimeout: 50 * time.Millisecond},
		DialTimeout:     time.Second,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return client
}

// recordingPublisher captures what the server would push to subscribers.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []storage.Message
	deleted  map[string][]string
}

func (p *recordingPublisher) PublishMessage(message storage.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *recordingPublisher) PublishDeleted(key string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted == nil {
		p.deleted = make(map[string][]string)
	}
	p.deleted[key] = append(p.deleted[key], ids...)
}

func (p *recordingPublisher) published() []storage.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]storage.Message(nil), p.messages...)
}

func (p *recordingPublisher) deletedFor(key string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted[key]...)
}
