// Package apierr provides the structured error envelope and HTTP status
// mapping for the gateway's HTTP surface.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/maeple/aigateway/pkg/gwerr"
)

// ErrorType constants.
const (
	TypeProviderError  = "provider_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeCircuitOpen    = "circuit_open_error"
	TypeServerError    = "server_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Kind    string `json:"kind"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, kind string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Kind:    kind,
	}})
	ctx.SetBody(body)
}

// WriteGatewayError maps a gateway error kind to an HTTP response.
//
//	Validation     → 400
//	QuotaExceeded  → 429 + Retry-After: 60
//	CircuitOpen    → 503 + Retry-After: 60
//	Timeout        → 504
//	Network / 5xx  → 502
//	Provider4xx    → 502 (the upstream rejection is not the client's fault shape)
//	Default        → 500
func WriteGatewayError(ctx *fasthttp.RequestCtx, gerr *gwerr.Error) {
	kind := string(gerr.Kind)
	switch gerr.Kind {
	case gwerr.KindValidation:
		Write(ctx, fasthttp.StatusBadRequest, gerr.Message, TypeInvalidRequest, kind)
	case gwerr.KindQuotaExceeded:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, gerr.Message, TypeRateLimitError, kind)
	case gwerr.KindCircuitOpen:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusServiceUnavailable, gerr.Message, TypeCircuitOpen, kind)
	case gwerr.KindTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, gerr.Message, TypeProviderError, kind)
	case gwerr.KindNetwork, gwerr.KindProvider5xx, gwerr.KindProvider4xx:
		Write(ctx, fasthttp.StatusBadGateway, gerr.Message, TypeProviderError, kind)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, gerr.Message, TypeServerError, kind)
	}
}

// WriteInvalidRequest writes a 400 with the given message.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, string(gwerr.KindValidation))
}

// WriteInternal writes a 500 server error.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, string(gwerr.KindInternal))
}
