package httpgate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ineris/relaygate"
)

// defaultEndpoints is where each platform's messages API lives when the
// account does not carry its own endpoint.
var defaultEndpoints = map[relaygate.Platform]string{
	relaygate.PlatformClaude: "https://api.anthropic.com/v1/messages",
	relaygate.PlatformOpenAI: "https://api.openai.com/v1/chat/completions",
	relaygate.PlatformGemini: "https://generativelanguage.googleapis.com/v1beta/models",
}

// PassthroughCaller forwards the payload to the account's endpoint as-is
// and classifies provider failures into the retry-relevant error shapes.
type PassthroughCaller struct {
	client  *fasthttp.Client
	timeout time.Duration
}

var _ relaygate.UpstreamCaller = (*PassthroughCaller)(nil)

// NewPassthroughCaller builds a caller with its own fasthttp client.
func NewPassthroughCaller(timeout time.Duration) *PassthroughCaller {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &PassthroughCaller{
		client: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         timeout,
			WriteTimeout:        30 * time.Second,
		},
		timeout: timeout,
	}
}

type upstreamUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`

	// OpenAI-shaped responses.
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type upstreamResponse struct {
	Model string        `json:"model"`
	Usage upstreamUsage `json:"usage"`
}

func (c *PassthroughCaller) Do(ctx context.Context, acc relaygate.UpstreamAccount, relayReq relaygate.RelayRequest) (relaygate.RelayResult, error) {
	endpoint := acc.Credential.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoints[acc.Platform]
	}
	if endpoint == "" {
		return relaygate.RelayResult{}, fmt.Errorf("httpgate: no endpoint for platform %q", acc.Platform)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(relayReq.Payload)
	setCredential(req, acc)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return relaygate.RelayResult{}, &relaygate.UpstreamError{
			Err:        fmt.Errorf("%w: %v", relaygate.ErrUpstreamOverloaded, err),
			StatusCode: fasthttp.StatusBadGateway,
		}
	}

	status := resp.StatusCode()
	body := append([]byte(nil), resp.Body()...)

	switch {
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return relaygate.RelayResult{}, &relaygate.UpstreamError{
			Err:        relaygate.ErrUpstreamUnauthorized,
			StatusCode: status,
		}
	case status == fasthttp.StatusTooManyRequests:
		return relaygate.RelayResult{}, &relaygate.UpstreamError{
			Err:        relaygate.ErrUpstreamRateLimited,
			StatusCode: status,
			RetryAfter: retryAfterOf(resp),
		}
	case status >= 500:
		return relaygate.RelayResult{}, &relaygate.UpstreamError{
			Err:        relaygate.ErrUpstreamOverloaded,
			StatusCode: status,
		}
	}

	result := relaygate.RelayResult{
		StatusCode: status,
		Model:      relayReq.Model,
		Body:       body,
		AccountID:  acc.ID,
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Model != "" {
			result.Model = parsed.Model
		}
		result.Usage = relaygate.Usage{
			InputTokens:      parsed.Usage.InputTokens + parsed.Usage.PromptTokens,
			OutputTokens:     parsed.Usage.OutputTokens + parsed.Usage.CompletionTokens,
			CacheWriteTokens: parsed.Usage.CacheCreationInputTokens,
			CacheReadTokens:  parsed.Usage.CacheReadInputTokens,
		}
	}

	return result, nil
}

func setCredential(req *fasthttp.Request, acc relaygate.UpstreamAccount) {
	cred := acc.Credential
	switch acc.Platform {
	case relaygate.PlatformClaude, relaygate.PlatformClaudeConsole:
		req.Header.Set("anthropic-version", "2023-06-01")
		if cred.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		} else {
			req.Header.Set("x-api-key", cred.APIKey)
		}
	case relaygate.PlatformGemini:
		req.Header.Set("x-goog-api-key", cred.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+cred.APIKey)
	}
}

func retryAfterOf(resp *fasthttp.Response) time.Duration {
	v := string(resp.Header.Peek("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
