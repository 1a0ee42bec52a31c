package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/capture"
	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/llm"
	"github.com/chadiek/support-desk/internal/session"
	"github.com/chadiek/support-desk/internal/support"
	"github.com/chadiek/support-desk/internal/telephony"
)

type fakeConversations struct {
	mu      sync.Mutex
	current llm.Provider
	sent    []support.SendInput
	stored  map[string]*support.Conversation
	sendErr error
}

func (f *fakeConversations) Send(_ context.Context, in support.SendInput) (*support.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Message == "" {
		return nil, &conversation.ValidationError{Field: "message", Reason: "is required"}
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &support.Reply{
		Message:        conversation.NewMessage(conversation.SenderAssistant, "answer: "+in.Message, nil),
		ConversationID: "conv-1",
	}, nil
}

func (f *fakeConversations) Conversation(_ context.Context, id string) (*support.Conversation, error) {
	if c, ok := f.stored[id]; ok {
		return c, nil
	}
	return nil, support.ErrNotFound
}

func (f *fakeConversations) SwitchProvider(p llm.Provider) error {
	if _, err := llm.ParseProvider(string(p)); err != nil {
		return &conversation.ValidationError{Field: "provider", Reason: err.Error()}
	}
	f.current = p
	return nil
}

func (f *fakeConversations) CurrentProvider() llm.Provider      { return f.current }
func (f *fakeConversations) Configured() bool                   { return true }
func (f *fakeConversations) SupportedProviders() []llm.Provider { return llm.Providers() }

func newTestServer(t *testing.T, conv *fakeConversations, mutate func(*Deps)) *Server {
	t.Helper()
	deps := Deps{
		Logger:        zerolog.Nop(),
		Conversations: conv,
		Sessions: session.NewRegistry(session.Deps{
			Gateway: conv,
			Logger:  zerolog.Nop(),
		}),
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	if mutate != nil {
		mutate(&deps)
	}
	t.Cleanup(deps.Sessions.CloseAll)
	return New(deps)
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{current: llm.ProviderOpenAI}, nil)
	if w := do(t, srv, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	var body healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Provider != "openai" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{}, nil)
	do(t, srv, http.MethodGet, "/healthz", "")
	w := do(t, srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "support_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", w.Code)
	}
}

func TestChat(t *testing.T) {
	conv := &fakeConversations{}
	srv := newTestServer(t, conv, nil)

	w := do(t, srv, http.MethodPost, "/api/v1/chat", `{"message":"printer jammed","conversation_id":"c9"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var reply support.Reply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Message.Text != "answer: printer jammed" || conv.sent[0].ConversationID != "c9" {
		t.Fatalf("unexpected reply %+v / %+v", reply, conv.sent)
	}

	if w := do(t, srv, http.MethodPost, "/api/v1/chat", `{"message":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/chat", `not-json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", w.Code)
	}
}

func TestChat_UpstreamFailureIs502(t *testing.T) {
	conv := &fakeConversations{sendErr: &conversation.GatewayError{Gateway: "llm", Err: context.DeadlineExceeded}}
	srv := newTestServer(t, conv, nil)
	if w := do(t, srv, http.MethodPost, "/api/v1/chat", `{"message":"hi"}`); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestConversation_NotFound(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{}, nil)
	w := do(t, srv, http.MethodGet, "/api/v1/conversation/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error"`) {
		t.Fatalf("expected JSON error body, got %s", w.Body.String())
	}
}

func TestAgentSwitch(t *testing.T) {
	conv := &fakeConversations{current: llm.ProviderOpenAI}
	srv := newTestServer(t, conv, nil)

	w := do(t, srv, http.MethodPost, "/api/v1/agent/switch", `{"provider":"cerebras"}`)
	if w.Code != http.StatusOK || conv.current != llm.ProviderCerebras {
		t.Fatalf("switch failed: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/agent/switch", `{"provider":"nope"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", w.Code)
	}
	w = do(t, srv, http.MethodGet, "/api/v1/agent/current", "")
	var body agentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Provider != "cerebras" || len(body.Supported) != 3 {
		t.Fatalf("unexpected current agent %+v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{}, func(d *Deps) { d.AuthToken = "secret" })
	if w := do(t, srv, http.MethodGet, "/api/v1/agent/current", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/agent/current?password=wrong", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/agent/current?password=secret", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{current: llm.ProviderOpenAI}, func(d *Deps) {
		d.RateLimitRPS = 0.001
		d.RateLimitBurst = 2
	})
	for i := 0; i < 2; i++ {
		if w := do(t, srv, http.MethodGet, "/api/v1/agent/current", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/agent/current", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	// public routes are not limited
	if w := do(t, srv, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on healthz, got %d", w.Code)
	}
}

func TestLimiterPool_Defaults(t *testing.T) {
	p := newLimiterPool(0, 0)
	if p.rps != 5 || p.burst != 20 {
		t.Fatalf("unexpected defaults %v/%d", p.rps, p.burst)
	}
	for i := 0; i < 20; i++ {
		if !p.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected inside the burst", i)
		}
	}
	if p.Allow("10.0.0.1") {
		t.Fatalf("request past the burst allowed")
	}
	if !p.Allow("10.0.0.2") {
		t.Fatalf("buckets must be per client")
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatalf("expected true when expected empty")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
	r4 := httptest.NewRequest(http.MethodGet, "/", nil)
	r4.Header.Set("Authorization", "Bearer nope")
	if authOK(r4, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
}

func TestScreenshotUpload(t *testing.T) {
	var got []byte
	ingest := capture.IngestorFunc(func(_ context.Context, image []byte) (capture.Extraction, error) {
		got = image
		return capture.Extraction{Text: "Error 404", ImageURL: "/uploads/x.png"}, nil
	})
	srv := newTestServer(t, &fakeConversations{}, func(d *Deps) { d.Ingestor = ingest })

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "shot.png")
	_, _ = fw.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	_ = mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/screenshots", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body screenshotResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Text != "Error 404" || len(got) == 0 {
		t.Fatalf("unexpected response %+v", body)
	}

	if w := do(t, srv, http.MethodPost, "/api/v1/screenshots", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", w.Code)
	}
}

func TestOptionalFeaturesAre503(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{}, nil)
	if w := do(t, srv, http.MethodPost, "/api/v1/docs", `{"title":"t","content":"c"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for docs, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/sessions/x/rtc", `{"type":"offer","sdp":"v=0"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for rtc, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/api/v1/calls", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for calls, got %d", w.Code)
	}
}

func TestCalls(t *testing.T) {
	srv := newTestServer(t, &fakeConversations{}, func(d *Deps) {
		d.Phone = telephony.NewHandlers(d.Conversations, zerolog.Nop())
	})
	w := do(t, srv, http.MethodGet, "/api/v1/calls", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"active":0`) {
		t.Fatalf("unexpected calls listing %d %s", w.Code, w.Body.String())
	}
	// no REST credentials configured
	if w := do(t, srv, http.MethodPost, "/api/v1/calls/CA1/hangup", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without call control, got %d", w.Code)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, kind string) serverFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == kind {
			return f
		}
	}
	t.Fatalf("no %s frame", kind)
	return serverFrame{}
}

func TestSessionSocket(t *testing.T) {
	conv := &fakeConversations{}
	srv := newTestServer(t, conv, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/session", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if f := readFrame(t, conn); f.Type != outSession {
		t.Fatalf("expected session frame first, got %s", f.Type)
	}
	reset := readFrame(t, conn)
	msgs, _ := reset.Data.([]any)
	if reset.Type != outReset || len(msgs) != 1 {
		t.Fatalf("expected reset with greeting, got %+v", reset)
	}
	if srv.deps.Sessions.Len() != 1 {
		t.Fatalf("expected one live session")
	}

	_ = conn.WriteJSON(clientFrame{Type: inSend, Text: "my screen is frozen"})
	first := readUntil(t, conn, outMessage)
	second := readUntil(t, conn, outMessage)
	user, _ := first.Data.(map[string]any)
	assistant, _ := second.Data.(map[string]any)
	if user["sender"] != "user" || assistant["text"] != "answer: my screen is frozen" {
		t.Fatalf("unexpected messages %+v %+v", user, assistant)
	}

	_ = conn.WriteJSON(clientFrame{Type: inTranscript, Text: "yes"})
	if d := readUntil(t, conn, outDraft); d.Data.(map[string]any)["text"] != "yes" {
		t.Fatalf("unexpected draft %+v", d)
	}

	_ = conn.WriteJSON(clientFrame{Type: inShareStart, Channel: "bad channel!"})
	if e := readUntil(t, conn, outError); e.Data == nil {
		t.Fatalf("expected error for invalid channel")
	}

	_ = conn.WriteJSON(clientFrame{Type: inShareStart, Channel: "room-1"})
	if c := readUntil(t, conn, outCapture); c.Data.(map[string]any)["active"] != true {
		t.Fatalf("expected capture active, got %+v", c)
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.deps.Sessions.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.deps.Sessions.Len() != 0 {
		t.Fatalf("session not removed after disconnect")
	}
}

func TestSessionSocket_ResumesHistory(t *testing.T) {
	stored := &support.Conversation{
		ID: "conv-7",
		Messages: []conversation.Message{
			conversation.NewMessage(conversation.SenderUser, "earlier question", nil),
			conversation.NewMessage(conversation.SenderAssistant, "earlier answer", nil),
		},
	}
	conv := &fakeConversations{stored: map[string]*support.Conversation{"conv-7": stored}}
	srv := newTestServer(t, conv, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/session?conversation_id=conv-7", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reset := readUntil(t, conn, outReset)
	if msgs, _ := reset.Data.([]any); len(msgs) != 2 {
		t.Fatalf("expected stored history, got %+v", reset.Data)
	}
	info := readUntil(t, conn, outSession)
	if info.Data.(map[string]any)["conversation_id"] != "conv-7" {
		t.Fatalf("conversation not resumed: %+v", info)
	}

	_ = conn.WriteJSON(clientFrame{Type: inSend, Text: "follow up"})
	readUntil(t, conn, outMessage)
	readUntil(t, conn, outMessage)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if len(conv.sent) != 1 || conv.sent[0].ConversationID != "conv-7" {
		t.Fatalf("follow up did not continue conversation: %+v", conv.sent)
	}
}

func TestSocketSink_KeepsWholeSamples(t *testing.T) {
	sk := &socket{audio: make(chan []byte, 4), out: make(chan outbound, 1), done: make(chan struct{})}
	sink := &socketSink{sk: sk}
	sink.WritePCM([]byte{1, 0, 2})
	sink.WritePCM([]byte{0, 3, 0})

	first, second := <-sk.audio, <-sk.audio
	if !bytes.Equal(first, []byte{1, 0}) || !bytes.Equal(second, []byte{2, 0, 3, 0}) {
		t.Fatalf("unexpected frames %v %v", first, second)
	}
	sink.WritePCM([]byte{9})
	if len(sk.audio) != 0 {
		t.Fatalf("half a sample was sent")
	}
	sink.Reset()
	sink.WritePCM([]byte{5, 0})
	if got := <-sk.audio; !bytes.Equal(got, []byte{5, 0}) {
		t.Fatalf("carry survived Reset: %v", got)
	}
}
