package httpgate

import (
	"bytes"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
)

type relayEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// RelayHandler forwards an admitted request to the dispatcher for the
// given platform. The request body passes through opaque except for the
// model and stream fields.
func RelayHandler(dispatcher *relaygate.Dispatcher, platform relaygate.Platform) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		principal, ok := PrincipalFromCtx(ctx)
		if !ok {
			WriteError(ctx, &relaygate.AuthError{Err: relaygate.ErrMissingCredential, Source: "api-key"})
			return
		}

		body := ctx.PostBody()
		var env relayEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Model == "" {
			writeJSON(ctx, fasthttp.StatusBadRequest, errorBody{
				Error:   "invalid_request",
				Message: "request body must be JSON with a model field",
			})
			return
		}

		if !principal.AllowsModel(env.Model) {
			WriteError(ctx, relaygate.ErrModelNotAllowed)
			return
		}

		result, err := dispatcher.Relay(ctx, principal, platform, relaygate.RelayRequest{
			Model:       env.Model,
			SessionHash: SessionHash(ctx),
			UserAgent:   string(ctx.Request.Header.UserAgent()),
			Payload:     body,
			Stream:      env.Stream,
		})
		if err != nil {
			WriteError(ctx, err)
			return
		}

		ctx.SetStatusCode(result.StatusCode)
		ctx.SetContentType("application/json")
		ctx.Response.Header.Set("x-relay-account", result.AccountID)
		ctx.SetBody(result.Body)
	}
}

// HealthHandler answers readiness probes.
func HealthHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	}
}

// MetricsHandler exposes the gatherer in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return func(ctx *fasthttp.RequestCtx) {
		families, err := gatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, format)
		for _, mf := range families {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(format))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
