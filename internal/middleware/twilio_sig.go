// Package middleware holds echo middleware shared by the HTTP surface.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// TwilioParamsKey is the echo context key holding the verified form values.
const TwilioParamsKey = "twilioParams"

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// ComputeTwilioSignature returns the base64 HMAC-SHA1 Twilio expects for a
// POST to fullURL with the given form parameters.
func ComputeTwilioSignature(authToken, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidTwilioSignature reports whether signature matches the request.
func ValidTwilioSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := ComputeTwilioSignature(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// TwilioAuth rejects webhook requests whose signature does not verify.
// publicBaseURL is the externally visible origin Twilio signed against; when
// empty it is derived from the forwarded headers or the Host header.
func TwilioAuth(authToken, publicBaseURL string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusServiceUnavailable, "TWILIO_AUTH_TOKEN not configured")
			}
			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for k, v := range form {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}

			fullURL := PublicURL(req, publicBaseURL) + req.URL.RequestURI()
			if !ValidTwilioSignature(authToken, req.Header.Get(SignatureHeader), fullURL, params) {
				logger.Warn().Str("path", req.URL.Path).Msg("twilio signature rejected")
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			c.Set(TwilioParamsKey, params)
			return next(c)
		}
	}
}

// PublicURL returns the origin callers reached us on. Priority: configured
// base URL, X-Forwarded-* headers, then the Host header.
func PublicURL(req *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	proto := req.Header.Get("X-Forwarded-Proto")
	host := req.Header.Get("X-Forwarded-Host")
	if proto != "" && host != "" {
		return proto + "://" + host
	}
	proto = "https"
	if strings.HasPrefix(req.Host, "localhost:") || strings.HasPrefix(req.Host, "127.0.0.1:") {
		proto = "http"
	}
	return proto + "://" + req.Host
}
