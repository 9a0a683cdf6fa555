package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rayneo/liveai-proxy/internal/genai"
	"github.com/rayneo/liveai-proxy/internal/logger"
	"github.com/rayneo/liveai-proxy/internal/tooling"
	"github.com/rayneo/liveai-proxy/internal/transcript"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

// newSocketPair returns the two ends of a live WebSocket connection.
func newSocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-serverCh

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

type fakeUpstream struct {
	msgs   chan *genai.ServerMessage
	errs   chan error
	handle string

	mu            sync.Mutex
	texts         []string
	media         []string
	toolResponses [][]genai.FunctionResponse
	closed        bool

	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		msgs: make(chan *genai.ServerMessage, 16),
		errs: make(chan error, 1),
	}
}

func (f *fakeUpstream) SendMedia(ctx context.Context, mimeType, data string, endOfTurn bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, mimeType+":"+data)
	return nil
}

func (f *fakeUpstream) SendText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeUpstream) SendToolResponse(ctx context.Context, responses []genai.FunctionResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResponses = append(f.toolResponses, responses)
	return nil
}

func (f *fakeUpstream) Receive(ctx context.Context) (*genai.ServerMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-f.errs:
		return nil, err
	case msg, ok := <-f.msgs:
		if !ok {
			return nil, genai.ErrSessionClosed
		}
		return msg, nil
	}
}

func (f *fakeUpstream) ResumptionHandle() string { return f.handle }

func (f *fakeUpstream) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.msgs)
	})
	return nil
}

func (f *fakeUpstream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeUpstream) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeProducer struct {
	mu     sync.Mutex
	bodies []transcript.MessageBody
}

func (p *fakeProducer) SendSync(body transcript.MessageBody) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, body)
	return true
}

func (p *fakeProducer) Shutdown() {}

func (p *fakeProducer) published() []transcript.MessageBody {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transcript.MessageBody(nil), p.bodies...)
}

func clientFrame(frameType, data string) inboundFrame {
	return inboundFrame{Type: frameType, Data: json.RawMessage(strconv.Quote(data))}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

type pumpFixture struct {
	session  *Session
	pump     *Pump
	upstream *fakeUpstream
	producer *fakeProducer
	frames   chan inboundFrame
	client   *websocket.Conn
}

func newPumpFixture(t *testing.T, factory UpstreamFactory) *pumpFixture {
	t.Helper()

	server, client := newSocketPair(t)
	upstream := newFakeUpstream()
	producer := &fakeProducer{}
	log := testLogger()

	session := NewSession("test-session", ParseParam(""), upstream, newConnWriter(server), producer, log)
	frames := make(chan inboundFrame, 16)

	return &pumpFixture{
		session:  session,
		pump:     NewPump(session, frames, factory, log),
		upstream: upstream,
		producer: producer,
		frames:   frames,
		client:   client,
	}
}

func TestPumpHappyPathText(t *testing.T) {
	fx := newPumpFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	fx.frames <- clientFrame(frameText, "hi")
	fx.upstream.msgs <- &genai.ServerMessage{ServerContent: &genai.ServerContent{
		ModelTurn: &genai.Content{Parts: []genai.Part{{Text: "Hello!"}}},
	}}
	fx.upstream.msgs <- &genai.ServerMessage{ServerContent: &genai.ServerContent{TurnComplete: true}}

	frame := readFrame(t, fx.client)
	if frame["type"] != frameText || frame["data"] != "Hello!" {
		t.Errorf("first frame = %v, want text Hello!", frame)
	}
	frame = readFrame(t, fx.client)
	if frame["type"] != frameTurnComplete {
		t.Errorf("second frame = %v, want turn_complete", frame)
	}

	fx.frames <- clientFrame(frameState, stateStop)
	if err := <-runErr; err != nil {
		t.Errorf("Run = %v, want nil after stop", err)
	}

	if texts := fx.upstream.sentTexts(); len(texts) != 1 || texts[0] != "hi" {
		t.Errorf("upstream texts = %v, want [hi]", texts)
	}
	if !fx.upstream.isClosed() {
		t.Error("upstream not closed after stop")
	}
}

func TestPumpReconnectOnGoAway(t *testing.T) {
	replacement := newFakeUpstream()
	var gotHandle string
	factory := func(ctx context.Context, handle string) (genai.Session, error) {
		gotHandle = handle
		return replacement, nil
	}

	fx := newPumpFixture(t, factory)
	fx.upstream.handle = "resume-me"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	fx.upstream.msgs <- &genai.ServerMessage{GoAway: &genai.GoAway{
		TimeLeft: genai.Duration(5 * time.Second),
	}}

	frame := readFrame(t, fx.client)
	if frame["type"] != frameState || frame["data"] != stateStartReconnect {
		t.Errorf("frame = %v, want state %q", frame, stateStartReconnect)
	}
	frame = readFrame(t, fx.client)
	if frame["reconnect"] != true {
		t.Errorf("frame = %v, want reconnect ack", frame)
	}

	if err := <-runErr; !errors.Is(err, errReconnected) {
		t.Fatalf("Run = %v, want errReconnected", err)
	}
	if !fx.upstream.isClosed() {
		t.Error("old upstream not closed")
	}
	if fx.session.Upstream() != genai.Session(replacement) {
		t.Error("replacement upstream not installed")
	}
	if gotHandle != "resume-me" {
		t.Errorf("factory handle = %q, want resume-me", gotHandle)
	}
}

func TestPumpGoAwayWithoutBudgetIgnored(t *testing.T) {
	fx := newPumpFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	fx.upstream.msgs <- &genai.ServerMessage{GoAway: &genai.GoAway{}}
	fx.upstream.msgs <- &genai.ServerMessage{ServerContent: &genai.ServerContent{
		ModelTurn: &genai.Content{Parts: []genai.Part{{Text: "still here"}}},
	}}

	frame := readFrame(t, fx.client)
	if frame["type"] != frameText || frame["data"] != "still here" {
		t.Errorf("frame = %v, want text after ignored go-away", frame)
	}

	fx.frames <- clientFrame(frameState, stateStop)
	<-runErr
}

func TestPumpClientReconnectCommand(t *testing.T) {
	replacement := newFakeUpstream()
	factory := func(ctx context.Context, handle string) (genai.Session, error) {
		return replacement, nil
	}

	fx := newPumpFixture(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	fx.frames <- clientFrame(frameState, stateReconnect)

	if err := <-runErr; !errors.Is(err, errReconnected) {
		t.Fatalf("Run = %v, want errReconnected", err)
	}
	if fx.session.Upstream() != genai.Session(replacement) {
		t.Error("replacement upstream not installed")
	}
}

func TestPumpEmptyDataTerminates(t *testing.T) {
	fx := newPumpFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	fx.frames <- inboundFrame{Type: frameText}

	frame := readFrame(t, fx.client)
	if frame["type"] != frameText || frame["data"] != "data is null" {
		t.Errorf("frame = %v, want data-is-null notice", frame)
	}
	if err := <-runErr; !errors.Is(err, errClientGone) {
		t.Errorf("Run = %v, want errClientGone", err)
	}
}

func TestPumpClientGone(t *testing.T) {
	fx := newPumpFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	close(fx.frames)
	if err := <-runErr; !errors.Is(err, errClientGone) {
		t.Errorf("Run = %v, want errClientGone", err)
	}
}

func TestPumpQuotaExceeded(t *testing.T) {
	fx := newPumpFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quotaErr := errors.New("received 1011 (internal error) Quota exceeded for quota metric")
	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.handleReceiveError(ctx, quotaErr) }()

	frame := readFrame(t, fx.client)
	if frame["type"] != frameError {
		t.Fatalf("frame = %v, want error", frame)
	}
	data := frame["data"].(map[string]any)
	if data["error_type"] != "quota_exceeded" {
		t.Errorf("error_type = %v, want quota_exceeded", data["error_type"])
	}
	frame = readFrame(t, fx.client)
	if frame["type"] != frameText {
		t.Errorf("frame = %v, want plain warning text", frame)
	}

	if err := <-runErr; !errors.Is(err, quotaErr) {
		t.Errorf("handleReceiveError = %v, want original error", err)
	}
}

func TestPumpRedialsOnAbruptUpstreamFailure(t *testing.T) {
	replacement := newFakeUpstream()
	fx := newPumpFixture(t, func(ctx context.Context, handle string) (genai.Session, error) {
		return replacement, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.Run(ctx) }()

	fx.upstream.errs <- errors.New("upstream read: unexpected EOF")

	frame := readFrame(t, fx.client)
	if frame["type"] != frameState || frame["data"] != stateStartReconnect {
		t.Errorf("frame = %v, want state %q", frame, stateStartReconnect)
	}
	frame = readFrame(t, fx.client)
	if frame["reconnect"] != true {
		t.Errorf("frame = %v, want reconnect ack", frame)
	}

	if err := <-runErr; !errors.Is(err, errReconnected) {
		t.Fatalf("Run = %v, want errReconnected", err)
	}
	if fx.session.Upstream() != genai.Session(replacement) {
		t.Error("replacement upstream not installed")
	}

	// A healthy receive re-arms the redial, so a later fault on the
	// replacement is recovered too.
	go func() { runErr <- fx.pump.Run(ctx) }()
	replacement.msgs <- &genai.ServerMessage{ServerContent: &genai.ServerContent{
		ModelTurn: &genai.Content{Parts: []genai.Part{{Text: "back"}}},
	}}
	frame = readFrame(t, fx.client)
	if frame["type"] != frameText || frame["data"] != "back" {
		t.Fatalf("frame = %v, want text after redial", frame)
	}
	replacement.errs <- errors.New("upstream read: connection reset by peer")
	readFrame(t, fx.client) // start reconnect
	readFrame(t, fx.client) // reconnect ack
	if err := <-runErr; !errors.Is(err, errReconnected) {
		t.Fatalf("Run after recovery = %v, want errReconnected", err)
	}
}

func TestPumpFaultRedialsOnlyOnce(t *testing.T) {
	replacement := newFakeUpstream()
	fx := newPumpFixture(t, func(ctx context.Context, handle string) (genai.Session, error) {
		return replacement, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fault := errors.New("upstream read: unexpected EOF")
	runErr := make(chan error, 1)
	go func() { runErr <- fx.pump.handleReceiveError(ctx, fault) }()

	readFrame(t, fx.client) // start reconnect
	readFrame(t, fx.client) // reconnect ack
	if err := <-runErr; !errors.Is(err, errReconnected) {
		t.Fatalf("handleReceiveError = %v, want errReconnected", err)
	}

	// A second fault with no healthy receive in between surfaces instead of
	// looping.
	if err := fx.pump.handleReceiveError(ctx, fault); !errors.Is(err, fault) {
		t.Errorf("handleReceiveError = %v, want original fault", err)
	}
}

func TestTranscriptPublicationOnTurnComplete(t *testing.T) {
	fx := newPumpFixture(t, nil)

	sc := []*genai.ServerContent{
		{InputTranscription: &genai.Transcription{Text: "what time is it"}},
		{OutputTranscription: &genai.Transcription{Text: "It is "}},
		{OutputTranscription: &genai.Transcription{Text: "10:32 AM"}},
		{TurnComplete: true},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range sc {
			if err := fx.pump.processContent(c); err != nil {
				t.Errorf("processContent: %v", err)
				return
			}
		}
	}()

	// Output transcriptions are forwarded immediately, then the turn marker.
	frame := readFrame(t, fx.client)
	if frame["type"] != frameText || frame["data"] != "It is " {
		t.Errorf("frame = %v, want first output increment", frame)
	}
	frame = readFrame(t, fx.client)
	if frame["data"] != "10:32 AM" {
		t.Errorf("frame = %v, want second output increment", frame)
	}
	frame = readFrame(t, fx.client)
	if frame["type"] != frameTurnComplete {
		t.Errorf("frame = %v, want turn_complete", frame)
	}
	<-done

	bodies := fx.producer.published()
	if len(bodies) != 2 {
		t.Fatalf("published %d envelopes, want 2", len(bodies))
	}
	if bodies[0].Role != "user" || bodies[0].Content != "what time is it" {
		t.Errorf("user envelope = %+v", bodies[0])
	}
	if bodies[1].Role != "assistant" || bodies[1].Content != "It is 10:32 AM" {
		t.Errorf("assistant envelope = %+v", bodies[1])
	}

	// Buffers reset: a second empty turn publishes nothing.
	if err := fx.pump.processContent(&genai.ServerContent{TurnComplete: true}); err != nil {
		t.Fatalf("processContent: %v", err)
	}
	readFrame(t, fx.client)
	if got := len(fx.producer.published()); got != 2 {
		t.Errorf("published %d envelopes after empty turn, want still 2", got)
	}
}

func TestEmptyOutputTranscriptionNotForwarded(t *testing.T) {
	fx := newPumpFixture(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The empty increment buffers silently; only real text reaches the
		// client.
		fx.pump.processContent(&genai.ServerContent{OutputTranscription: &genai.Transcription{Text: ""}})
		fx.pump.processContent(&genai.ServerContent{OutputTranscription: &genai.Transcription{Text: "hello"}})
	}()

	frame := readFrame(t, fx.client)
	if frame["type"] != frameText || frame["data"] != "hello" {
		t.Errorf("frame = %v, want only the non-empty increment", frame)
	}
	<-done
}

func TestInterruptedFrame(t *testing.T) {
	fx := newPumpFixture(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.pump.processContent(&genai.ServerContent{Interrupted: true})
	}()

	frame := readFrame(t, fx.client)
	if frame["type"] != frameInterrupted {
		t.Fatalf("frame = %v, want interrupted", frame)
	}
	data := frame["data"].(map[string]any)
	if data["message"] != "Response interrupted by user input" {
		t.Errorf("message = %v", data["message"])
	}
	<-done
}

type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Declaration() genai.FunctionDeclaration {
	return genai.FunctionDeclaration{Name: "echo"}
}

func (echoTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["msg"]}, nil
}

type videoChatTool struct{}

func (videoChatTool) Name() string { return startLiveVideoChatTool }

func (videoChatTool) Declaration() genai.FunctionDeclaration {
	return genai.FunctionDeclaration{Name: startLiveVideoChatTool}
}

func (videoChatTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"status": "started"}, nil
}

func TestToolCallRoundTrip(t *testing.T) {
	fx := newPumpFixture(t, nil)

	tools := tooling.NewRegistry()
	if err := tools.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	call := genai.ToolCall{FunctionCalls: []genai.FunctionCall{
		{ID: "call-1", Name: "echo", Args: map[string]any{"msg": "hi"}},
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.pump.handleToolCall(context.Background(), tools, call)
	}()

	frame := readFrame(t, fx.client)
	if frame["type"] != frameFunctionCall {
		t.Fatalf("frame = %v, want function_call", frame)
	}
	data := frame["data"].(map[string]any)
	if data["name"] != "echo" {
		t.Errorf("tool name = %v, want echo", data["name"])
	}

	frame = readFrame(t, fx.client)
	if frame["type"] != frameFunctionResponse {
		t.Fatalf("frame = %v, want function_response", frame)
	}
	result := frame["data"].(map[string]any)
	if result["echo"] != "hi" {
		t.Errorf("tool result = %v, want echo hi", result)
	}
	<-done

	fx.upstream.mu.Lock()
	defer fx.upstream.mu.Unlock()
	if len(fx.upstream.toolResponses) != 1 {
		t.Fatalf("upstream got %d tool response batches, want 1", len(fx.upstream.toolResponses))
	}
	batch := fx.upstream.toolResponses[0]
	if len(batch) != 1 || batch[0].Name != "echo" || batch[0].ID != "call-1" {
		t.Errorf("batch = %+v", batch)
	}
	if batch[0].Response["result"] != "ok" {
		t.Errorf("response = %v, want result ok", batch[0].Response)
	}
}

func TestStartLiveVideoChatSkipsUpstreamAck(t *testing.T) {
	fx := newPumpFixture(t, nil)

	tools := tooling.NewRegistry()
	if err := tools.Register(videoChatTool{}); err != nil {
		t.Fatal(err)
	}

	call := genai.ToolCall{FunctionCalls: []genai.FunctionCall{
		{ID: "call-1", Name: startLiveVideoChatTool, Args: map[string]any{}},
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.pump.handleToolCall(context.Background(), tools, call)
	}()

	readFrame(t, fx.client) // function_call
	readFrame(t, fx.client) // function_response
	<-done

	fx.upstream.mu.Lock()
	defer fx.upstream.mu.Unlock()
	if len(fx.upstream.toolResponses) != 0 {
		t.Errorf("upstream got %d tool response batches, want 0", len(fx.upstream.toolResponses))
	}
}
