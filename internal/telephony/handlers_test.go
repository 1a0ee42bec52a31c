package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/middleware"
	"github.com/chadiek/support-desk/internal/support"
)

type fakeGateway struct {
	inputs []support.SendInput
	reply  string
	err    error
}

func (f *fakeGateway) Send(_ context.Context, in support.SendInput) (*support.Reply, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &support.Reply{
		Message:        conversation.NewMessage(conversation.SenderAssistant, f.reply, nil),
		ConversationID: "conv-1",
	}, nil
}

func call(t *testing.T, h *Handlers, fn echo.HandlerFunc, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/twilio/x", nil), rec)
	c.Set(middleware.TwilioParamsKey, params)
	if err := fn(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestVoice_GreetsAndGathersSpeech(t *testing.T) {
	h := NewHandlers(&fakeGateway{}, zerolog.Nop())
	rec := call(t, h, h.voice, map[string]string{"CallSid": "CA1"})
	body := rec.Body.String()
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, `input="speech"`) {
		t.Fatalf("expected speech gather, got %s", body)
	}
	if !strings.Contains(body, GreetingPrompt[:10]) {
		t.Fatalf("greeting missing: %s", body)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationXML) {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestGather_RepliesAndContinuesConversation(t *testing.T) {
	gw := &fakeGateway{reply: "Try **restarting** the router."}
	h := NewHandlers(gw, zerolog.Nop())

	rec := call(t, h, h.gather, map[string]string{"CallSid": "CA1", "SpeechResult": "my internet is down", "From": "+1555"})
	if !strings.Contains(rec.Body.String(), "Try restarting the router.") {
		t.Fatalf("reply not spoken cleanly: %s", rec.Body.String())
	}
	call(t, h, h.gather, map[string]string{"CallSid": "CA1", "SpeechResult": "still down"})

	if len(gw.inputs) != 2 {
		t.Fatalf("expected two gateway calls, got %d", len(gw.inputs))
	}
	if gw.inputs[0].ConversationID != "" || gw.inputs[1].ConversationID != "conv-1" {
		t.Fatalf("conversation not carried across turns: %+v", gw.inputs)
	}
	if h.ActiveCalls() != 1 {
		t.Fatalf("expected one active call")
	}

	call(t, h, h.status, map[string]string{"CallSid": "CA1", "CallStatus": "completed"})
	if h.ActiveCalls() != 0 {
		t.Fatalf("completed call not forgotten")
	}
}

func TestGather_EmptySpeechReprompts(t *testing.T) {
	gw := &fakeGateway{}
	h := NewHandlers(gw, zerolog.Nop())
	rec := call(t, h, h.gather, map[string]string{"CallSid": "CA1"})
	if !strings.Contains(rec.Body.String(), "didn") || len(gw.inputs) != 0 {
		t.Fatalf("expected reprompt without gateway call: %s", rec.Body.String())
	}
}

func TestGather_GatewayFailureHangsUp(t *testing.T) {
	h := NewHandlers(&fakeGateway{err: errors.New("down")}, zerolog.Nop())
	rec := call(t, h, h.gather, map[string]string{"CallSid": "CA1", "SpeechResult": "help me please"})
	if !strings.Contains(rec.Body.String(), "<Hangup") {
		t.Fatalf("expected hangup, got %s", rec.Body.String())
	}
}

func TestGather_GoodbyeHangsUp(t *testing.T) {
	gw := &fakeGateway{}
	h := NewHandlers(gw, zerolog.Nop())
	rec := call(t, h, h.gather, map[string]string{"CallSid": "CA1", "SpeechResult": "Goodbye."})
	if !strings.Contains(rec.Body.String(), "<Hangup") || len(gw.inputs) != 0 {
		t.Fatalf("expected hangup without gateway call: %s", rec.Body.String())
	}
}
