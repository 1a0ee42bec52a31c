// Package httpserver exposes the support desk over HTTP: the browser
// session socket, the REST API, WebRTC signaling and the phone webhooks.
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/capture"
	"github.com/chadiek/support-desk/internal/llm"
	"github.com/chadiek/support-desk/internal/middleware"
	"github.com/chadiek/support-desk/internal/rtc"
	"github.com/chadiek/support-desk/internal/session"
	"github.com/chadiek/support-desk/internal/support"
	"github.com/chadiek/support-desk/internal/telephony"
)

// Conversations is the server-side conversation gateway.
type Conversations interface {
	Send(ctx context.Context, in support.SendInput) (*support.Reply, error)
	Conversation(ctx context.Context, id string) (*support.Conversation, error)
	SwitchProvider(p llm.Provider) error
	CurrentProvider() llm.Provider
	Configured() bool
	SupportedProviders() []llm.Provider
}

// Knowledge accepts documents for retrieval.
type Knowledge interface {
	Ingest(ctx context.Context, title, content string) error
}

// Peers negotiates WebRTC audio for a session.
type Peers interface {
	HandleOffer(ctx context.Context, target rtc.Target, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Deps are the collaborators behind the routes. Optional ones may be nil;
// their routes then answer 503.
type Deps struct {
	Logger        zerolog.Logger
	Sessions      *session.Registry
	Conversations Conversations
	Ingestor      capture.Ingestor
	Knowledge     Knowledge
	Peers         Peers
	Phone         *telephony.Handlers

	AuthToken       string
	CORSOrigins     []string
	TwilioAuthToken string
	PublicBaseURL   string

	// RateLimitRPS and RateLimitBurst bound the protected API per client
	// IP. Zero selects 5 rps with a burst of 20.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo
	deps   Deps
	log    zerolog.Logger
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	s := &Server{
		Router: NewRouter(deps.Logger, deps.CORSOrigins),
		deps:   deps,
		log:    deps.Logger,
	}
	e := s.Router

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	api.GET("/health", s.health)

	limits := newLimiterPool(deps.RateLimitRPS, deps.RateLimitBurst)
	protected := api.Group("", rateLimit(limits), requireToken(deps.AuthToken))
	protected.GET("/session", s.serveSocket)
	protected.POST("/sessions/:id/rtc", s.rtcOffer)
	protected.POST("/chat", s.chat)
	protected.GET("/conversation/:id", s.conversation)
	protected.POST("/agent/switch", s.switchAgent)
	protected.GET("/agent/current", s.currentAgent)
	protected.POST("/screenshots", s.screenshot)
	protected.POST("/docs", s.ingestDoc)
	protected.GET("/calls", s.listCalls)
	protected.POST("/calls/:sid/hangup", s.hangupCall)

	if deps.Phone != nil {
		phone := e.Group("/twilio", middleware.TwilioAuth(deps.TwilioAuthToken, deps.PublicBaseURL, deps.Logger))
		deps.Phone.Register(phone)
	}
	return s
}

// ServeHTTP lets the server be mounted directly in an http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
