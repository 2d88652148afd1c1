package httpgate

import (
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
)

// Gateway bundles the core components the HTTP boundary fronts.
type Gateway struct {
	Resolver   *relaygate.IdentityResolver
	Controller *relaygate.AdmissionController
	Dispatcher *relaygate.Dispatcher
	Gatherer   prometheus.Gatherer
}

// NewRouter builds the route table. Each relay route is a guarded chain:
// authenticate, admit, then dispatch for the platform the path names.
func NewRouter(gw Gateway) *router.Router {
	r := router.New()

	r.GET("/health", HealthHandler())
	if gw.Gatherer != nil {
		r.GET("/metrics", MetricsHandler(gw.Gatherer))
	}

	relay := func(platform relaygate.Platform) fasthttp.RequestHandler {
		return Chain(
			RelayHandler(gw.Dispatcher, platform),
			Authenticate(gw.Resolver),
			Admit(gw.Controller),
		)
	}

	r.POST("/api/v1/messages", relay(relaygate.PlatformClaude))
	r.POST("/openai/v1/chat/completions", relay(relaygate.PlatformOpenAI))
	r.POST("/gemini/v1beta/models/{model}", relay(relaygate.PlatformGemini))

	return r
}
