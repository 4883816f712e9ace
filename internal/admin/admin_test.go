package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/netsketch/internal/metrics"
	"github.com/and161185/netsketch/internal/server"
)

type fakeBackend struct {
	mu       sync.Mutex
	stats    server.Stats
	running  bool
	attached chan server.Transport
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: true, attached: make(chan server.Transport, 1)}
}

func (f *fakeBackend) Stats() server.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBackend) Attach(t server.Transport) error {
	f.attached <- t
	return nil
}

func TestHealthz(t *testing.T) {
	b := newFakeBackend()
	b.stats = server.Stats{Sessions: 2, Disconnected: 1, Drawings: 7}
	srv := httptest.NewServer(NewRouter(b, RouterConfig{}, zaptest.NewLogger(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, map[string]any{
		"status": "ok", "sessions": 2.0, "disconnected": 1.0, "drawings": 7.0,
	}, got)

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Command("draw", metrics.StatusOK)

	srv := httptest.NewServer(NewRouter(newFakeBackend(), RouterConfig{Gatherer: reg}, zaptest.NewLogger(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "netsketch_commands_total")
}

func TestRoutesDisabled(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newFakeBackend(), RouterConfig{}, nil))
	defer srv.Close()

	for _, p := range []string{"/metrics", "/ws"} {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, p)
	}
}

func TestWebSocketBridge(t *testing.T) {
	b := newFakeBackend()
	srv := httptest.NewServer(NewRouter(b, RouterConfig{WebSocket: true, MaxLineBytes: 1024}, zaptest.NewLogger(t)))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	var tr server.Transport
	select {
	case tr = <-b.attached:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not attached")
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("undo\nlist all all\n")))
	for _, want := range []string{"undo", "list all all"} {
		got, err := tr.ReadLine()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err = tr.Write([]byte("Command processed successfully.\n"))
	require.NoError(t, err)
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "Command processed successfully.\n", string(msg))
	require.NoError(t, tr.Close())
}

func TestGRPCHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs, hs := NewGRPC(zaptest.NewLogger(t))
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli := healthpb.NewHealthClient(conn)

	resp, err := cli.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	SetServing(hs, false)
	resp, err = cli.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
