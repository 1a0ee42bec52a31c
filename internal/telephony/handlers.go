// Package telephony answers Twilio voice webhooks with the support assistant.
// Callers speak, Twilio transcribes with <Gather input="speech">, and the
// reply is read back with <Say>.
package telephony

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/support-desk/internal/agent"
	"github.com/chadiek/support-desk/internal/middleware"
	"github.com/chadiek/support-desk/internal/support"
)

const (
	GreetingPrompt = "Hi! You've reached the support assistant. How can I help you today?"
	RepromptText   = "Sorry, I didn't catch that. Could you say it again?"
	GoodbyeText    = "Thanks for calling. Goodbye!"
	OfflineText    = "I'm having trouble reaching the support service right now. Please call back in a moment."

	gatherPath  = "/twilio/gather"
	replyBudget = 12 * time.Second
)

// Gateway answers a caller's utterance.
type Gateway interface {
	Send(ctx context.Context, in support.SendInput) (*support.Reply, error)
}

// Handlers serves the Twilio webhooks.
type Handlers struct {
	gateway Gateway
	control CallControl
	log     zerolog.Logger

	mu    sync.Mutex
	calls map[string]string // CallSid -> conversation id
}

// Option customizes Handlers.
type Option func(*Handlers)

// WithCallControl enables operator hangups.
func WithCallControl(cc CallControl) Option {
	return func(h *Handlers) { h.control = cc }
}

func NewHandlers(gateway Gateway, logger zerolog.Logger, opts ...Option) *Handlers {
	h := &Handlers{gateway: gateway, log: logger, calls: make(map[string]string)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the webhooks on g, which must already verify signatures.
func (h *Handlers) Register(g *echo.Group) {
	g.POST("/voice", h.voice)
	g.POST("/gather", h.gather)
	g.POST("/status", h.status)
}

func (h *Handlers) voice(c echo.Context) error {
	params := twilioParams(c)
	h.log.Info().Str("call_sid", params["CallSid"]).Str("from", params["From"]).Msg("incoming call")
	h.remember(params["CallSid"], "")
	return h.respond(c, h.listen(GreetingPrompt))
}

func (h *Handlers) gather(c echo.Context) error {
	params := twilioParams(c)
	callSid := params["CallSid"]
	speech := strings.TrimSpace(params["SpeechResult"])
	if speech == "" {
		return h.respond(c, h.listen(RepromptText))
	}
	if isGoodbye(speech) {
		h.forget(callSid)
		return h.respond(c, &twiml.VoiceSay{Message: GoodbyeText}, &twiml.VoiceHangup{})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), replyBudget)
	defer cancel()
	reply, err := h.gateway.Send(ctx, support.SendInput{
		Message:        speech,
		ConversationID: h.conversation(callSid),
		UserID:         params["From"],
	})
	if err != nil {
		h.log.Warn().Err(err).Str("call_sid", callSid).Msg("phone reply failed")
		return h.respond(c, &twiml.VoiceSay{Message: OfflineText}, &twiml.VoiceHangup{})
	}
	h.remember(callSid, reply.ConversationID)

	text := agent.CleanForSpeech(reply.Message.Text)
	if text == "" {
		text = RepromptText
	}
	return h.respond(c, h.listen(text)...)
}

// status drops call state once Twilio reports the call finished.
func (h *Handlers) status(c echo.Context) error {
	params := twilioParams(c)
	switch params["CallStatus"] {
	case "completed", "busy", "failed", "no-answer", "canceled":
		h.forget(params["CallSid"])
	}
	return c.NoContent(http.StatusNoContent)
}

// listen says prompt inside a speech Gather, then loops back if the caller
// stays silent.
func (h *Handlers) listen(prompt string) []twiml.Element {
	gather := &twiml.VoiceGather{
		Input:         "speech",
		Action:        gatherPath,
		Method:        http.MethodPost,
		SpeechTimeout: "auto",
		InnerElements: []twiml.Element{&twiml.VoiceSay{Message: prompt}},
	}
	redirect := &twiml.VoiceRedirect{Url: gatherPath, Method: http.MethodPost}
	return []twiml.Element{gather, redirect}
}

func (h *Handlers) respond(c echo.Context, verbs ...twiml.Element) error {
	out, err := twiml.Voice(verbs)
	if err != nil {
		h.log.Error().Err(err).Msg("twiml render failed")
		return c.String(http.StatusInternalServerError, "failed to render TwiML")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXML, []byte(out))
}

func (h *Handlers) conversation(callSid string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[callSid]
}

func (h *Handlers) remember(callSid, conversationID string) {
	if callSid == "" {
		return
	}
	h.mu.Lock()
	h.calls[callSid] = conversationID
	h.mu.Unlock()
}

func (h *Handlers) forget(callSid string) {
	h.mu.Lock()
	delete(h.calls, callSid)
	h.mu.Unlock()
}

// ActiveCalls reports how many calls have an open conversation.
func (h *Handlers) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func twilioParams(c echo.Context) map[string]string {
	if p, ok := c.Get(middleware.TwilioParamsKey).(map[string]string); ok {
		return p
	}
	return map[string]string{}
}

func isGoodbye(s string) bool {
	s = strings.ToLower(strings.Trim(s, " .!?"))
	switch s {
	case "bye", "goodbye", "good bye", "that's all", "thats all", "no thanks", "no thank you", "hang up":
		return true
	}
	return false
}
