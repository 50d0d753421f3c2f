package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// FirstResponseTimeout is the hard upper bound on time to the upstream's
// response headers. Once streaming has begun only client disconnect
// cancels the exchange.
const FirstResponseTimeout = 10 * time.Minute

// Target describes one upstream a model family dispatches to.
type Target struct {
	BaseURL  string // host or full URL; Protocol is prepended when no scheme
	Protocol string
	OrgID    string // optional OpenAI-Organization header
}

// URL joins the target base with an upstream sub-path.
func (t Target) URL(subpath string) string {
	base := strings.TrimSuffix(t.BaseURL, "/")
	if !strings.HasPrefix(base, "http") {
		base = t.Protocol + "://" + base
	}
	return base + "/" + subpath
}

// Request is the outbound upstream request to build. Body is relayed
// unconsumed so arbitrarily large payloads stream through.
type Request struct {
	Method    string
	Subpath   string // upstream path with the gateway prefix removed
	Query     string // raw query string, may be empty
	Body      io.Reader
	AuthValue string // resolved Authorization header, may be empty
}

// Forwarder issues upstream requests and relays response streams.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
}

func New() *Forwarder {
	// The client carries no timeout of its own; cancellation is driven
	// per request so streaming bodies are not cut off mid-relay.
	return &Forwarder{client: &http.Client{}, timeout: FirstResponseTimeout}
}

// Forward builds and issues the outbound request. The returned response
// body is unconsumed; the returned cancel function must be called once
// the relay finishes to release the outbound connection. Exceeding the
// first-response timeout or the caller's own context cancels the
// exchange.
func (f *Forwarder) Forward(ctx context.Context, target Target, req Request) (*http.Response, context.CancelFunc, error) {
	fetchURL := target.URL(req.Subpath)
	if req.Query != "" {
		fetchURL += "?" + req.Query
	}

	ctx, cancel := context.WithCancel(ctx)

	out, err := http.NewRequestWithContext(ctx, req.Method, fetchURL, req.Body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header.Set("Content-Type", "application/json")
	if req.AuthValue != "" {
		out.Header.Set("Authorization", req.AuthValue)
	}
	if target.OrgID != "" {
		out.Header.Set("OpenAI-Organization", target.OrgID)
	}

	log.Debug().Str("url", fetchURL).Str("method", req.Method).Msg("proxy: forwarding")

	timer := time.AfterFunc(f.timeout, cancel)
	resp, err := f.client.Do(out)
	timer.Stop()
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("upstream request failed: %w", err)
	}

	sanitizeHeaders(resp.Header)
	return resp, cancel, nil
}

// sanitizeHeaders adjusts upstream response headers before relay:
// www-authenticate would trigger a browser credential prompt, and
// intermediary buffering would hold back token-by-token streaming.
func sanitizeHeaders(h http.Header) {
	h.Del("Www-Authenticate")
	h.Set("X-Accel-Buffering", "no")
}

// BodyModel extracts the JSON body's own model field, used by the
// content policy filter. Distinct from the model-selection header.
func BodyModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}
