package llm

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/metrics"
)

// DefaultSystemPrompt frames the assistant as a screen-aware support agent.
const DefaultSystemPrompt = `You are a helpful AI support assistant. Your role is to:

1. Provide clear, helpful responses to user questions
2. Detect when users are confused or stuck and need visual guidance
3. Ask for screen sharing when you detect the user needs visual help
4. Guide users step by step through their issues

When you detect confusion, frustration, or technical problems that would benefit from visual guidance, respond with a message asking the user to share their screen so you can provide better assistance.

Be friendly, professional, and focused on solving the user's problems efficiently.`

// FallbackReply is returned when the provider cannot be reached.
const FallbackReply = "I'm sorry, I'm having trouble connecting to my AI service right now. Let me try to help you with a basic response. Could you please describe your issue in more detail?"

const visualAidInstruction = "\n\nThe user appears to be having difficulty. Please politely ask them to share their screen so you can provide visual guidance, and explain that it will help you understand their issue better."

// contextDocs is how many knowledge snippets are prepended to the prompt.
const contextDocs = 3

// Retriever returns knowledge snippets similar to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// Request is one user turn plus the conversation before it.
type Request struct {
	History []Message
	Message string
}

// Response is the assistant's answer and how it was produced.
type Response struct {
	Text                   string
	Model                  string
	Confidence             float64
	ShouldRequestVisualAid bool
	Fallback               bool
	Err                    error
}

// Agent wraps a Completer with confusion detection, knowledge context and
// a canned fallback.
type Agent struct {
	provider  Provider
	model     string
	completer Completer
	retriever Retriever
	system    string
	log       zerolog.Logger
}

// AgentOption customizes an Agent.
type AgentOption func(*Agent)

func WithRetriever(r Retriever) AgentOption { return func(a *Agent) { a.retriever = r } }

func WithSystemPrompt(p string) AgentOption {
	return func(a *Agent) {
		if p != "" {
			a.system = p
		}
	}
}

func NewAgent(provider Provider, model string, c Completer, logger zerolog.Logger, opts ...AgentOption) *Agent {
	a := &Agent{
		provider:  provider,
		model:     model,
		completer: c,
		system:    DefaultSystemPrompt,
		log:       logger.With().Str("provider", string(provider)).Logger(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Agent) Provider() Provider { return a.provider }
func (a *Agent) Model() string      { return a.model }

// Respond never fails: provider errors yield FallbackReply with Fallback set
// and the cause in Err.
func (a *Agent) Respond(ctx context.Context, req Request) Response {
	confusion := ConfusionScore(req.Message)
	wantsShare := confusion >= VisualAidThreshold

	system := a.system
	if ctxBlock := a.knowledge(ctx, req.Message); ctxBlock != "" {
		system = ctxBlock + "\n\n" + system
	}
	if wantsShare {
		system += visualAidInstruction
	}

	msgs := make([]Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: "user", Content: req.Message})

	start := time.Now()
	text, err := a.completer.Complete(ctx, system, msgs)
	metrics.GatewayLatency.WithLabelValues(string(a.provider)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GatewayFallbacks.WithLabelValues("provider_error").Inc()
		a.log.Warn().Err(err).Msg("completion failed, using fallback reply")
		return Response{
			Text:                   FallbackReply,
			Model:                  a.model,
			Confidence:             confusion,
			ShouldRequestVisualAid: wantsShare,
			Fallback:               true,
			Err:                    err,
		}
	}
	return Response{
		Text:                   text,
		Model:                  a.model,
		Confidence:             confusion,
		ShouldRequestVisualAid: wantsShare || AsksForScreenShare(text),
	}
}

func (a *Agent) knowledge(ctx context.Context, query string) string {
	if a.retriever == nil {
		return ""
	}
	docs, err := a.retriever.Retrieve(ctx, query, contextDocs)
	if err != nil {
		// retrieval is best effort
		a.log.Warn().Err(err).Msg("context retrieval failed")
		return ""
	}
	if len(docs) == 0 {
		return ""
	}
	return "Relevant Context:\n" + strings.Join(docs, "\n---\n")
}
