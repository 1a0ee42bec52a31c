package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chadiek/support-desk/internal/conversation"
	"github.com/chadiek/support-desk/internal/metrics"
	"github.com/chadiek/support-desk/internal/rtc"
	"github.com/chadiek/support-desk/internal/support"
	"github.com/chadiek/support-desk/internal/telephony"
)

// NewRouter creates a configured Echo instance with logging, recovery,
// metrics and CORS.
func NewRouter(logger zerolog.Logger, origins []string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(requestMetrics)
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
		MaxAge:       300,
	}))
	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			logger.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_addr", c.RealIP()).
				Msg("request completed")
			return nil
		}
	}
}

// requestMetrics labels by route template to keep cardinality bounded.
func requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request().Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return nil
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// errorHandler renders every error as JSON. Validation problems are 400,
// missing resources 404 and upstream failures 502.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, errorBody{Error: msg})
	}
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			return he.Code, m
		}
		return he.Code, http.StatusText(he.Code)
	}
	var (
		verr *conversation.ValidationError
		gerr *conversation.GatewayError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.As(err, &gerr):
		return http.StatusBadGateway, gerr.Gateway + " unavailable"
	case errors.Is(err, support.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, support.ErrProviderUnavailable):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, rtc.ErrInvalidOffer):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, telephony.ErrUnknownCall):
		return http.StatusNotFound, "call not found"
	case errors.Is(err, telephony.ErrNoCallControl):
		return http.StatusServiceUnavailable, "call control not configured"
	}
	return http.StatusInternalServerError, "internal server error"
}
