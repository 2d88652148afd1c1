// Package httpgate is the fasthttp boundary in front of the admission and
// scheduling core: it pulls credentials off the wire, runs the resolver
// and admission gates as middleware, and translates core errors into
// HTTP responses.
package httpgate

import (
	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
)

const (
	principalKey = "relaygate.principal"
	admissionKey = "relaygate.admission"
)

// SetPrincipal stores the resolved principal on the request.
func SetPrincipal(ctx *fasthttp.RequestCtx, p *relaygate.Principal) {
	ctx.SetUserValue(principalKey, p)
}

// PrincipalFromCtx returns the principal set by the Authenticate middleware.
func PrincipalFromCtx(ctx *fasthttp.RequestCtx) (*relaygate.Principal, bool) {
	v := ctx.UserValue(principalKey)
	if v == nil {
		return nil, false
	}
	p, ok := v.(*relaygate.Principal)
	return p, ok && p != nil
}

// SetAdmission stores the admission result on the request.
func SetAdmission(ctx *fasthttp.RequestCtx, adm *relaygate.Admission) {
	ctx.SetUserValue(admissionKey, adm)
}

// AdmissionFromCtx returns the admission set by the Admit middleware.
func AdmissionFromCtx(ctx *fasthttp.RequestCtx) (*relaygate.Admission, bool) {
	v := ctx.UserValue(admissionKey)
	if v == nil {
		return nil, false
	}
	adm, ok := v.(*relaygate.Admission)
	return adm, ok && adm != nil
}
