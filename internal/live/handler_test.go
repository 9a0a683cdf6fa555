package live

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rayneo/liveai-proxy/internal/config"
	"github.com/rayneo/liveai-proxy/internal/gate"
	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/pool"
	"github.com/rayneo/liveai-proxy/internal/registry"
	"github.com/rayneo/liveai-proxy/internal/tooling"
)

type fakeUpstreamClient struct {
	connect func(ctx context.Context, cfg genai.LiveConfig) (genai.Session, error)
}

func (f *fakeUpstreamClient) Connect(ctx context.Context, cfg genai.LiveConfig) (genai.Session, error) {
	return f.connect(ctx, cfg)
}

func (f *fakeUpstreamClient) Ping(ctx context.Context) error { return nil }
func (f *fakeUpstreamClient) Close() error                   { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		LanguageCode:      "en-US",
		SystemInstruction: "Time is {Time} in {Location}.",
		HandshakeTimeout:  2 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       15 * time.Second,
		MaxMessageSize:    1 << 20,
		TranscriptTopic:   "google_chatlog",
	}
}

// newTestServer builds the full gin stack around a pool whose factory
// returns clients backed by connect.
func newTestServer(t *testing.T, connect func(ctx context.Context, cfg genai.LiveConfig) (genai.Session, error)) (*httptest.Server, *gate.Gate) {
	t.Helper()

	log := testLogger()
	factory := func(ctx context.Context) (genai.Client, error) {
		if connect == nil {
			return nil, errors.New("no upstream configured")
		}
		return &fakeUpstreamClient{connect: connect}, nil
	}

	p := pool.New(pool.Options{
		Capacity:            1,
		WorkerParallelism:   1,
		CreationConcurrency: 1,
		BatchSize:           1,
	}, factory, log)
	t.Cleanup(p.Shutdown)

	g := gate.New(log)
	h := NewHandler(testConfig(), log, g, registry.New(log), p, tooling.NewRegistry())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/healthy", h.Healthy)
	router.NoRoute(h.Fallback)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, g
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHealthy(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthy")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestNonUpgradeRequestsGetOK(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/anything")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBannedClientClosedWithPolicyViolation(t *testing.T) {
	srv, g := newTestServer(t, nil)

	// Trip the ban for the loopback address the test client will use.
	for i := 0; i < 11; i++ {
		g.Admit("127.0.0.1")
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("read error = %v, want close 1008", err)
	}
}

func TestHandshakeFailureClosesWithPolicyViolation(t *testing.T) {
	srv, _ := newTestServer(t, func(ctx context.Context, cfg genai.LiveConfig) (genai.Session, error) {
		return nil, errors.New("upstream refused")
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The ready frame always precedes the verdict.
	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("reading ready frame: %v", err)
	}
	if ready["ready"] != true || ready["session_id"] == "" {
		t.Errorf("ready frame = %v", ready)
	}

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("read error = %v, want close 1008", err)
	}
}

func TestClientAbnormalCloseEmitsConnectionClosedError(t *testing.T) {
	upstream := newFakeUpstream()
	srv, _ := newTestServer(t, func(ctx context.Context, cfg genai.LiveConfig) (genai.Session, error) {
		return upstream, nil
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("reading ready frame: %v", err)
	}

	// Drop the write half without a close handshake; the read half stays
	// open so the structured error is observable.
	tcp, ok := conn.UnderlyingConn().(*net.TCPConn)
	if !ok {
		t.Fatalf("underlying conn is %T, want *net.TCPConn", conn.UnderlyingConn())
	}
	if err := tcp.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading error frame: %v", err)
	}
	if frame["type"] != frameError {
		t.Fatalf("frame = %v, want error", frame)
	}
	data := frame["data"].(map[string]any)
	if data["error_type"] != "connection_closed" {
		t.Errorf("error_type = %v, want connection_closed", data["error_type"])
	}
}

func TestFullSessionRoundTrip(t *testing.T) {
	upstream := newFakeUpstream()
	cfgCh := make(chan genai.LiveConfig, 1)
	srv, _ := newTestServer(t, func(ctx context.Context, cfg genai.LiveConfig) (genai.Session, error) {
		cfgCh <- cfg
		return upstream, nil
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ready map[string]any
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("reading ready frame: %v", err)
	}
	if ready["ready"] != true {
		t.Fatalf("ready frame = %v", ready)
	}

	var gotCfg genai.LiveConfig
	select {
	case gotCfg = <-cfgCh:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connect never invoked")
	}

	// The system instruction template was rendered with BaseInfo defaults.
	if !strings.Contains(gotCfg.SystemInstruction, "Beijing") {
		t.Errorf("system instruction = %q, want rendered location", gotCfg.SystemInstruction)
	}
	if gotCfg.Voice != "Aoede" {
		t.Errorf("voice = %q, want default Aoede", gotCfg.Voice)
	}

	if err := conn.WriteJSON(map[string]any{"type": "text", "data": "hi"}); err != nil {
		t.Fatal(err)
	}

	upstream.msgs <- &genai.ServerMessage{ServerContent: &genai.ServerContent{
		ModelTurn: &genai.Content{Parts: []genai.Part{{Text: "Hello!"}}},
	}}

	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading text frame: %v", err)
	}
	if frame["type"] != frameText || frame["data"] != "Hello!" {
		t.Errorf("frame = %v, want text Hello!", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(upstream.sentTexts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if texts := upstream.sentTexts(); len(texts) != 1 || texts[0] != "hi" {
		t.Errorf("upstream texts = %v, want [hi]", texts)
	}
}
