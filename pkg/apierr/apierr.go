// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
//
// Every error carries a stable machine-readable code from the gateway's error
// taxonomy. Messages are safe to show to end users — provider-internal strings
// are never forwarded verbatim.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants — the stable error taxonomy.
const (
	CodeUnauthorized        = "unauthorized"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeInvalidRequest      = "invalid_request"
	CodeDecryptFailed       = "decrypt_failed"
	CodeUpstreamAuth        = "upstream_auth_failed"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeUpstreamSchema      = "upstream_schema_mismatch"
	CodeInternalError       = "internal_error"
)

type (
	// Details carries limit/quota metadata on 429 responses.
	Details struct {
		Limit      int   `json:"limit,omitempty"`
		Remaining  int   `json:"remaining,omitempty"`
		ResetAt    int64 `json:"resetAt,omitempty"`
		RetryAfter int   `json:"retryAfter,omitempty"`
	}

	// APIError is the structured error returned to clients.
	APIError struct {
		Message string   `json:"message"`
		Type    string   `json:"type"`
		Code    string   `json:"code"`
		Details *Details `json:"details,omitempty"`
	}

	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDetails(ctx, status, message, errType, code, nil)
}

// WriteDetails writes the error envelope with an optional details block.
func WriteDetails(ctx *fasthttp.RequestCtx, status int, message, errType, code string, d *Details) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Details: d,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 with the unauthorized code.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthenticationErr, CodeUnauthorized)
}

// WriteRateLimited writes a 429 rate-limit error with Retry-After and the
// limit metadata the dashboard surfaces to users.
func WriteRateLimited(ctx *fasthttp.RequestCtx, limit, remaining int, resetAt int64, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
	WriteDetails(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded,
		&Details{Limit: limit, Remaining: remaining, ResetAt: resetAt, RetryAfter: retryAfter})
}

// WriteQuotaExceeded writes a 429 with code=quota_exceeded for monthly quota
// exhaustion. Distinct from per-minute rate limiting so clients can tell a
// transient backoff from a plan ceiling.
func WriteQuotaExceeded(ctx *fasthttp.RequestCtx, limit int, resetAt int64) {
	WriteDetails(ctx, fasthttp.StatusTooManyRequests,
		"monthly request quota exceeded", TypeRateLimitError, CodeQuotaExceeded,
		&Details{Limit: limit, Remaining: 0, ResetAt: resetAt})
}

// WriteUpstreamError maps an upstream provider HTTP status to the gateway status.
//
//	Provider 401/403 → 502 upstream_auth_failed (after fail-over exhaustion)
//	Provider 429     → 429 + Retry-After: 60
//	Provider 5xx     → 502 upstream_unavailable
//	Default          → 502 upstream_unavailable
func WriteUpstreamError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusUnauthorized || providerStatus == fasthttp.StatusForbidden:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeUpstreamAuth)
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeUpstreamUnavailable)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeUpstreamTimeout)
}

// WriteInternal writes a 500 with a generic message.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
