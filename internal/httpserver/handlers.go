package httpserver

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/llm"
	"github.com/chadiek/support-desk/internal/rtc"
	"github.com/chadiek/support-desk/internal/support"
)

// maxScreenshotBytes bounds uploaded screenshots.
const maxScreenshotBytes = 10 << 20

var errUnavailable = echo.NewHTTPError(http.StatusServiceUnavailable, "feature not configured")

type healthResponse struct {
	Status     string    `json:"status"`
	Sessions   int       `json:"sessions"`
	Provider   string    `json:"provider,omitempty"`
	Configured bool      `json:"configured"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Server) health(c echo.Context) error {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Len()
	}
	if s.deps.Conversations != nil {
		resp.Provider = string(s.deps.Conversations.CurrentProvider())
		resp.Configured = s.deps.Conversations.Configured()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) chat(c echo.Context) error {
	if s.deps.Conversations == nil {
		return errUnavailable
	}
	var in support.SendInput
	if err := c.Bind(&in); err != nil {
		return &conversation.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	reply, err := s.deps.Conversations.Send(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) conversation(c echo.Context) error {
	if s.deps.Conversations == nil {
		return errUnavailable
	}
	conv, err := s.deps.Conversations.Conversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

type switchRequest struct {
	Provider string `json:"provider"`
}

type agentResponse struct {
	Provider   string   `json:"provider"`
	Configured bool     `json:"configured"`
	Supported  []string `json:"supported"`
}

func (s *Server) switchAgent(c echo.Context) error {
	if s.deps.Conversations == nil {
		return errUnavailable
	}
	var req switchRequest
	if err := c.Bind(&req); err != nil {
		return &conversation.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if err := s.deps.Conversations.SwitchProvider(llm.Provider(req.Provider)); err != nil {
		return err
	}
	return s.currentAgent(c)
}

func (s *Server) currentAgent(c echo.Context) error {
	if s.deps.Conversations == nil {
		return errUnavailable
	}
	conv := s.deps.Conversations
	resp := agentResponse{Provider: string(conv.CurrentProvider()), Configured: conv.Configured()}
	for _, p := range conv.SupportedProviders() {
		resp.Supported = append(resp.Supported, string(p))
	}
	return c.JSON(http.StatusOK, resp)
}

type screenshotResponse struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
}

func (s *Server) screenshot(c echo.Context) error {
	if s.deps.Ingestor == nil {
		return errUnavailable
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return &conversation.ValidationError{Field: "file", Reason: "is required"}
	}
	if fh.Size > maxScreenshotBytes {
		return &conversation.ValidationError{Field: "file", Reason: "exceeds 10MB"}
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(f, maxScreenshotBytes)); err != nil {
		return err
	}
	ext, err := s.deps.Ingestor.Submit(c.Request().Context(), buf.Bytes())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, screenshotResponse{Text: ext.Text, ImageURL: ext.ImageURL})
}

type docRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) ingestDoc(c echo.Context) error {
	if s.deps.Knowledge == nil {
		return errUnavailable
	}
	var req docRequest
	if err := c.Bind(&req); err != nil {
		return &conversation.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if err := s.deps.Knowledge.Ingest(c.Request().Context(), req.Title, req.Content); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) rtcOffer(c echo.Context) error {
	if s.deps.Peers == nil || s.deps.Sessions == nil {
		return errUnavailable
	}
	sess, ok := s.deps.Sessions.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return &conversation.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	answer, err := s.deps.Peers.HandleOffer(c.Request().Context(), sess, offer)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, answer)
}

type callsResponse struct {
	Active int      `json:"active"`
	Calls  []string `json:"calls"`
}

func (s *Server) listCalls(c echo.Context) error {
	if s.deps.Phone == nil {
		return errUnavailable
	}
	calls := s.deps.Phone.Calls()
	return c.JSON(http.StatusOK, callsResponse{Active: len(calls), Calls: calls})
}

func (s *Server) hangupCall(c echo.Context) error {
	if s.deps.Phone == nil {
		return errUnavailable
	}
	if err := s.deps.Phone.Hangup(c.Request().Context(), c.Param("sid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
