package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tandem/pkg/protocol"
	"github.com/harun/tandem/pkg/runner"
	"github.com/harun/tandem/pkg/session"
	"github.com/harun/tandem/pkg/step"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, evt protocol.Inbound, h *runner.Handle) error {
	s, err := h.CreateStep("", step.KindMessage, "")
	if err != nil {
		return err
	}
	for _, word := range strings.Fields(evt.Text) {
		if err := h.AppendText(s.ID, word+" "); err != nil {
			return err
		}
	}
	return h.Complete(s.ID)
}

type testGateway struct {
	srv      *Server
	registry *session.Registry
	http     *httptest.Server
}

func newTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()

	reg, err := session.NewRegistry(session.Config{
		Handler:     echoHandler,
		HandlerName: "echo",
		Options:     session.DefaultOptions(),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	cfg := Config{
		Registry:     reg,
		ReadLimit:    64 * 1024,
		WriteTimeout: time.Second,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
		_ = reg.Close(ctx)
	})
	return &testGateway{srv: srv, registry: reg, http: ts}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, evt protocol.Inbound) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(evt))
}

func read(t *testing.T, ws *websocket.Conn) protocol.Outbound {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out protocol.Outbound
	require.NoError(t, ws.ReadJSON(&out))
	return out
}

// readUntil reads frames until match accepts one, returning everything read.
func readUntil(t *testing.T, ws *websocket.Conn, match func(protocol.Outbound) bool) []protocol.Outbound {
	t.Helper()
	var frames []protocol.Outbound
	for i := 0; i < 100; i++ {
		out := read(t, ws)
		frames = append(frames, out)
		if match(out) {
			return frames
		}
	}
	t.Fatalf("no matching frame among %d frames", len(frames))
	return nil
}

func ofType(typ protocol.OutboundType) func(protocol.Outbound) bool {
	return func(out protocol.Outbound) bool { return out.Type == typ }
}

func TestServer_FirstMessageStartsSession(t *testing.T) {
	g := newTestGateway(t, nil)
	ws := g.dial(t)

	send(t, ws, protocol.UserMessage("hello there"))

	ready := read(t, ws)
	require.Equal(t, protocol.OutboundSessionReady, ready.Type)
	assert.False(t, ready.Resumed)
	assert.NotEmpty(t, ready.SessionID)
	assert.NotEmpty(t, ready.Token)
	assert.Equal(t, protocol.OutboundSessionResync, read(t, ws).Type)

	sess, ok := g.registry.Lookup(ready.SessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		steps := sess.Tree().Snapshot().Steps
		return len(steps) == 1 && steps[0].Status == step.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StreamsRunFrames(t *testing.T) {
	g := newTestGateway(t, nil)
	ws := g.dial(t)

	send(t, ws, protocol.Interrupt())
	require.Equal(t, protocol.OutboundSessionReady, read(t, ws).Type)
	require.Equal(t, protocol.OutboundSessionResync, read(t, ws).Type)

	send(t, ws, protocol.UserMessage("hello there"))
	frames := readUntil(t, ws, ofType(protocol.OutboundStepCompleted))

	var types []protocol.OutboundType
	for _, f := range frames {
		types = append(types, f.Type)
	}
	assert.Equal(t, []protocol.OutboundType{
		protocol.OutboundStepCreated,
		protocol.OutboundStepFragment,
		protocol.OutboundStepFragment,
		protocol.OutboundStepCompleted,
	}, types)
	assert.Equal(t, step.StatusCompleted, frames[len(frames)-1].Status)

	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Seq, frames[i-1].Seq)
	}
}

func TestServer_ReconnectResumesSession(t *testing.T) {
	g := newTestGateway(t, nil)

	first := g.dial(t)
	send(t, first, protocol.UserMessage("hi"))
	ready := read(t, first)
	sess, ok := g.registry.Lookup(ready.SessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return sess.Tree().Len() == 1 && sess.RunState() == runner.StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())

	second := g.dial(t)
	send(t, second, protocol.Reconnect(ready.Token))

	resumed := read(t, second)
	require.Equal(t, protocol.OutboundSessionReady, resumed.Type)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, ready.SessionID, resumed.SessionID)

	resync := read(t, second)
	require.Equal(t, protocol.OutboundSessionResync, resync.Type)
	require.NotNil(t, resync.Snapshot)
	require.Len(t, resync.Snapshot.Steps, 1)
	assert.Equal(t, step.StatusCompleted, resync.Snapshot.Steps[0].Status)
}

func TestServer_UnknownTokenStartsFresh(t *testing.T) {
	g := newTestGateway(t, nil)
	ws := g.dial(t)

	send(t, ws, protocol.Reconnect("no-such-token"))

	expired := read(t, ws)
	require.Equal(t, protocol.OutboundError, expired.Type)
	assert.Equal(t, protocol.CodeSessionExpired, expired.Code)

	ready := read(t, ws)
	require.Equal(t, protocol.OutboundSessionReady, ready.Type)
	assert.False(t, ready.Resumed)
	assert.NotEqual(t, "no-such-token", ready.Token)
}

func TestServer_InvalidFrameKeepsConnection(t *testing.T) {
	g := newTestGateway(t, nil)
	ws := g.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	rejected := read(t, ws)
	require.Equal(t, protocol.OutboundError, rejected.Type)
	assert.Equal(t, protocol.CodeInvalidFrame, rejected.Code)

	send(t, ws, protocol.UserMessage("hi"))
	assert.Equal(t, protocol.OutboundSessionReady, read(t, ws).Type)
	assert.Equal(t, protocol.OutboundSessionResync, read(t, ws).Type)

	// Once bound, invalid frames are reported on the session stream.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	frames := readUntil(t, ws, func(out protocol.Outbound) bool {
		return out.Type == protocol.OutboundError
	})
	assert.Equal(t, protocol.CodeInvalidFrame, frames[len(frames)-1].Code)
}

func TestServer_SecondReconnectIsAlreadyBound(t *testing.T) {
	g := newTestGateway(t, nil)
	ws := g.dial(t)

	send(t, ws, protocol.Interrupt())
	ready := read(t, ws)
	require.Equal(t, protocol.OutboundSessionReady, ready.Type)
	require.Equal(t, protocol.OutboundSessionResync, read(t, ws).Type)

	send(t, ws, protocol.Reconnect(ready.Token))
	frames := readUntil(t, ws, ofType(protocol.OutboundError))
	assert.Equal(t, protocol.CodeAlreadyBound, frames[len(frames)-1].Code)
}

func TestServer_RateLimited(t *testing.T) {
	g := newTestGateway(t, func(cfg *Config) {
		cfg.RateLimit = 0.001
		cfg.RateBurst = 1
	})
	ws := g.dial(t)

	send(t, ws, protocol.UserMessage("hi"))
	require.Equal(t, protocol.OutboundSessionReady, read(t, ws).Type)
	require.Equal(t, protocol.OutboundSessionResync, read(t, ws).Type)

	send(t, ws, protocol.Interrupt())
	frames := readUntil(t, ws, func(out protocol.Outbound) bool {
		return out.Type == protocol.OutboundError && out.Code == protocol.CodeRateLimited
	})
	assert.NotEmpty(t, frames)
}

func TestServer_TakeoverClosesPreviousConnection(t *testing.T) {
	g := newTestGateway(t, nil)

	first := g.dial(t)
	send(t, first, protocol.Interrupt())
	ready := read(t, first)

	second := g.dial(t)
	send(t, second, protocol.Reconnect(ready.Token))
	assert.True(t, read(t, second).Resumed)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 1, g.registry.Len())
}

func TestServer_HTTPEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws := g.dial(t)
	send(t, ws, protocol.Interrupt())
	ready := read(t, ws)

	resp, err = http.Get(g.http.URL + "/sessions")
	require.NoError(t, err)
	var listed struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, ready.SessionID, listed.Sessions[0].ID)

	require.Eventually(t, func() bool {
		return g.srv.Clients().Count() == 1 &&
			g.srv.Clients().GetConnectedClients()[0].SessionID == ready.SessionID
	}, time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, g.http.URL+"/sessions/"+ready.SessionID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, g.registry.Len())

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Terminating the session closes its connection.
	require.Eventually(t, func() bool {
		return g.srv.Clients().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StopClosesConnections(t *testing.T) {
	g := newTestGateway(t, nil)

	ws := g.dial(t)
	send(t, ws, protocol.Interrupt())
	read(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.srv.Stop(ctx))
	assert.Equal(t, 0, g.srv.Clients().Count())

	// The session survives its connection.
	assert.Equal(t, 1, g.registry.Len())

	resp, err := http.Get(g.http.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no restriction", origin: "https://evil.example", want: true},
		{name: "listed", allowed: []string{"https://app.example"}, origin: "https://app.example", want: true},
		{name: "not listed", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://any.example", want: true},
		{name: "non-browser client", allowed: []string{"https://app.example"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{cfg: Config{AllowedOrigins: tt.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(Config{Port: 8080})
	assert.Error(t, err)
}

func TestFrameLimiter(t *testing.T) {
	var unlimited *FrameLimiter
	assert.Nil(t, NewFrameLimiter(0, 10))
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Allow())
	}

	l := NewFrameLimiter(0.001, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}
