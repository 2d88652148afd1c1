package httpgate

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	Limit            int64                     `json:"limit,omitempty"`
	Current          int64                     `json:"current,omitempty"`
	ResetAt          string                    `json:"resetAt,omitempty"`
	RemainingMinutes int                       `json:"remainingMinutes,omitempty"`
	Violations       []relaygate.CostViolation `json:"violations,omitempty"`
}

// WriteError translates a core error into its HTTP shape. Unrecognized
// errors become an opaque 500 so store details never leak to callers.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case relaygate.IsAuthError(err):
		writeJSON(ctx, fasthttp.StatusUnauthorized, errorBody{
			Error:   authErrorKind(err),
			Message: err.Error(),
		})

	case errors.Is(err, relaygate.ErrClientNotAllowed):
		writeJSON(ctx, fasthttp.StatusForbidden, errorBody{
			Error:   "client_not_allowed",
			Message: "this client is not allowed to use this key",
		})

	case errors.Is(err, relaygate.ErrModelNotAllowed):
		writeJSON(ctx, fasthttp.StatusForbidden, errorBody{
			Error:   "model_not_allowed",
			Message: "this model is not allowed for this key",
		})

	case relaygate.IsAdmissionError(err):
		writeAdmissionError(ctx, err)

	case errors.Is(err, relaygate.ErrNoAccountAvailable):
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, errorBody{
			Error:   "no_account_available",
			Message: "no upstream account is currently available",
		})

	case errors.Is(err, relaygate.ErrUpstreamRateLimited):
		writeUpstreamError(ctx, fasthttp.StatusTooManyRequests, "upstream_rate_limited", err)

	case errors.Is(err, relaygate.ErrUpstreamOverloaded):
		writeUpstreamError(ctx, fasthttp.StatusServiceUnavailable, "upstream_overloaded", err)

	case errors.Is(err, relaygate.ErrUpstreamUnauthorized):
		// The caller's credential was fine; the account's was not.
		writeJSON(ctx, fasthttp.StatusBadGateway, errorBody{
			Error:   "upstream_unauthorized",
			Message: "upstream rejected the account credential",
		})

	default:
		writeJSON(ctx, fasthttp.StatusInternalServerError, errorBody{
			Error:   "internal_error",
			Message: "internal server error",
		})
	}
}

// authErrorKind keeps the four authentication failures distinguishable
// in the machine-readable error field.
func authErrorKind(err error) string {
	switch {
	case errors.Is(err, relaygate.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, relaygate.ErrInvalidFormat):
		return "invalid_credential_format"
	case errors.Is(err, relaygate.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, relaygate.ErrInvalidSession):
		return "invalid_session"
	}
	return "unauthorized"
}

func writeAdmissionError(ctx *fasthttp.RequestCtx, err error) {
	var admErr *relaygate.AdmissionError
	if !errors.As(err, &admErr) {
		writeJSON(ctx, fasthttp.StatusTooManyRequests, errorBody{
			Error: "limit_exceeded", Message: err.Error(),
		})
		return
	}

	body := errorBody{
		Message: admErr.Error(),
		Limit:   admErr.Limit,
		Current: admErr.Current,
	}
	switch {
	case errors.Is(admErr.Err, relaygate.ErrConcurrencyExceeded):
		body.Error = "concurrency_exceeded"
	case errors.Is(admErr.Err, relaygate.ErrCostLimitExceeded):
		body.Error = "cost_limit_exceeded"
		body.Violations = admErr.Violations
	default:
		body.Error = "rate_limit_exceeded"
	}

	if !admErr.ResetAt.IsZero() {
		body.ResetAt = admErr.ResetAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		body.RemainingMinutes = admErr.RemainingMinutes()
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(admErr.RemainingMinutes()*60))
	}

	writeJSON(ctx, fasthttp.StatusTooManyRequests, body)
}

func writeUpstreamError(ctx *fasthttp.RequestCtx, status int, code string, err error) {
	var upErr *relaygate.UpstreamError
	if errors.As(err, &upErr) && upErr.RetryAfter > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(upErr.RetryAfter.Seconds())))
	}
	writeJSON(ctx, status, errorBody{Error: code, Message: "upstream provider rejected the request"})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"internal_error"}`)
		return
	}
	ctx.SetBody(data)
}
