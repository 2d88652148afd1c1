package httpgate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
)

const sessionCookieName = "session_token"

// ExtractCredentials pulls every credential carrier off the request. It
// never decides which one wins; the resolver applies the precedence.
func ExtractCredentials(ctx *fasthttp.RequestCtx) relaygate.CredentialSources {
	src := relaygate.CredentialSources{
		APIKeyHeader:  string(ctx.Request.Header.Peek("x-api-key")),
		QueryKey:      string(ctx.QueryArgs().Peek("key")),
		SessionHeader: string(ctx.Request.Header.Peek("x-session-token")),
		SessionCookie: string(ctx.Request.Header.Cookie(sessionCookieName)),
		AdminToken:    string(ctx.Request.Header.Peek("x-admin-token")),
	}

	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		src.Bearer = strings.TrimSpace(auth[len(prefix):])
	}

	return src
}

// Authenticate resolves the request's credential into a principal and
// stores it on the context. Requests without a valid credential stop here.
func Authenticate(resolver *relaygate.IdentityResolver) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			principal, err := resolver.Resolve(ctx, ExtractCredentials(ctx))
			if err != nil {
				WriteError(ctx, err)
				return
			}
			SetPrincipal(ctx, principal)
			next(ctx)
		}
	}
}

// Admit runs the admission gates for the authenticated principal. The
// concurrency lease is released when the wrapped handler returns, which is
// the request's terminal path under fasthttp.
func Admit(controller *relaygate.AdmissionController) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			principal, ok := PrincipalFromCtx(ctx)
			if !ok {
				WriteError(ctx, &relaygate.AuthError{Err: relaygate.ErrMissingCredential, Source: "api-key"})
				return
			}

			adm, err := controller.Admit(ctx, principal, relaygate.RequestInfo{
				UserAgent:   string(ctx.Request.Header.UserAgent()),
				SessionHash: SessionHash(ctx),
			})
			if err != nil {
				WriteError(ctx, err)
				return
			}
			defer adm.Lease.Release(ctx)

			SetAdmission(ctx, adm)
			next(ctx)
		}
	}
}

// SessionHash derives the sticky-session key for this request, or "" when
// the caller did not ask for affinity.
func SessionHash(ctx *fasthttp.RequestCtx) string {
	return sessionHashOf(string(ctx.Request.Header.Peek("x-session-id")))
}

func sessionHashOf(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

// Chain applies middlewares outermost-first.
func Chain(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
