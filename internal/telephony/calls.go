package telephony

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	ErrUnknownCall   = errors.New("telephony: unknown call")
	ErrNoCallControl = errors.New("telephony: call control not configured")
)

// CallControl manipulates live calls.
type CallControl interface {
	Hangup(ctx context.Context, callSid string) error
}

// RestCalls ends calls through the Twilio REST API.
type RestCalls struct {
	client *twilio.RestClient
}

func NewRestCalls(accountSID, authToken string) *RestCalls {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &RestCalls{client: client}
}

// Hangup marks the call completed. The SDK call does not take a context.
func (r *RestCalls) Hangup(_ context.Context, callSid string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := r.client.Api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("hang up %s: %w", callSid, err)
	}
	return nil
}

// Calls lists the sids of calls with an open conversation.
func (h *Handlers) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.calls))
	for sid := range h.calls {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Hangup ends a call the assistant is currently handling.
func (h *Handlers) Hangup(ctx context.Context, callSid string) error {
	if h.control == nil {
		return ErrNoCallControl
	}
	h.mu.Lock()
	_, ok := h.calls[callSid]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}
	if err := h.control.Hangup(ctx, callSid); err != nil {
		return err
	}
	h.forget(callSid)
	h.log.Info().Str("call_sid", callSid).Msg("call ended by operator")
	return nil
}

// HangupAll ends every tracked call, e.g. on shutdown. Failures are logged.
func (h *Handlers) HangupAll(ctx context.Context) {
	if h.control == nil {
		return
	}
	for _, sid := range h.Calls() {
		if err := h.Hangup(ctx, sid); err != nil && !errors.Is(err, ErrUnknownCall) {
			h.log.Warn().Err(err).Str("call_sid", sid).Msg("hangup failed")
		}
	}
}
