package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pocketai/pocketai-gateway/internal/gateway/accounts"
	"github.com/pocketai/pocketai-gateway/internal/gateway/auth"
	"github.com/pocketai/pocketai-gateway/internal/gateway/meter"
	"github.com/pocketai/pocketai-gateway/internal/gateway/proxy"
	"github.com/pocketai/pocketai-gateway/internal/shared/config"
	"github.com/pocketai/pocketai-gateway/internal/shared/database"
	"github.com/pocketai/pocketai-gateway/internal/shared/models"
)

const (
	// ChatPath is the completion endpoint; only requests to it are metered.
	ChatPath = "v1/chat/completions"
	// ModelsPath is the models-list passthrough.
	ModelsPath = "v1/models"

	// ModelNameHeader carries the requested model identifier for dispatch
	// and pricing, independent of the JSON body's own model field.
	ModelNameHeader = "ModelName"

	maxBufferedBody = 10 << 20
)

var allowedUpstreamPaths = map[string]bool{
	ChatPath:   true,
	ModelsPath: true,
}

type errorEnvelope struct {
	Error    bool   `json:"error"`
	AuthType string `json:"authType,omitempty"`
	Msg      string `json:"msg"`
}

// ProxyHandler wires authentication, dispatch, forwarding and metering
// for the upstream passthrough routes.
type ProxyHandler struct {
	cfg       *config.Config
	store     *accounts.Store
	auth      *auth.Controller
	forwarder *proxy.Forwarder
	meter     *meter.Meter
	db        *database.DB // optional log sink
}

func NewProxyHandler(cfg *config.Config, store *accounts.Store, authCtl *auth.Controller, fwd *proxy.Forwarder, m *meter.Meter, db *database.DB) *ProxyHandler {
	return &ProxyHandler{cfg: cfg, store: store, auth: authCtl, forwarder: fwd, meter: m, db: db}
}

// HandleUpstream serves /{gatewayPrefix}/{upstreamSubPath...}: validates
// the sub-path against the allow-list, authenticates, dispatches by model
// family and relays the upstream stream while metering a duplicated copy.
func (h *ProxyHandler) HandleUpstream(w http.ResponseWriter, r *http.Request) {
	subpath := chi.URLParam(r, "*")
	if !allowedUpstreamPaths[subpath] {
		writeJSON(w, http.StatusForbidden, errorEnvelope{Error: true, Msg: "you are not allowed to request " + subpath})
		return
	}

	modelName := r.Header.Get(ModelNameHeader)
	family := models.FamilyOf(modelName)

	decision := h.auth.Authenticate(r.Context(), r.Header.Get("Authorization"), family)
	switch decision.Outcome {
	case auth.AccessDenied:
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: true, AuthType: "access", Msg: decision.Reason})
		return
	case auth.UsageDenied:
		writeJSON(w, http.StatusPaymentRequired, errorEnvelope{Error: true, AuthType: "usage", Msg: decision.Reason})
		return
	}

	// The body streams through untouched unless the gpt-4 policy filter
	// or prompt tokenization needs to look at it first.
	var body io.Reader = r.Body
	promptTokens := 0
	needBody := subpath == ChatPath &&
		(h.cfg.DisableGPT4 || h.meter.Mode() == models.CostModeTokens)
	if needBody {
		buffered, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: true, Msg: "failed to read request body"})
			return
		}
		body = bytes.NewReader(buffered)

		if h.cfg.DisableGPT4 && strings.Contains(proxy.BodyModel(buffered), "gpt-4") {
			writeJSON(w, http.StatusForbidden, errorEnvelope{Error: true, Msg: "you are not allowed to use gpt-4 model"})
			return
		}
		if h.meter.Mode() == models.CostModeTokens {
			promptTokens = h.meter.PromptTokens(buffered)
		}
	}

	start := time.Now()
	resp, release, err := h.forwarder.Forward(r.Context(), h.targetFor(family), proxy.Request{
		Method:    r.Method,
		Subpath:   subpath,
		Query:     r.URL.RawQuery,
		Body:      body,
		AuthValue: decision.AuthValue,
	})
	if err != nil {
		log.Error().Err(err).Str("path", subpath).Msg("handlers: upstream request failed")
		writeJSON(w, http.StatusBadGateway, errorEnvelope{Error: true, Msg: "upstream request failed"})
		return
	}
	defer release()
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	row := &database.RequestLog{
		HashedCode: decision.HashedCode,
		Method:     r.Method,
		Path:       subpath,
		Model:      modelName,
		Family:     family.String(),
		StatusCode: resp.StatusCode,
		LatencyMs:  int(time.Since(start).Milliseconds()),
	}

	if subpath != ChatPath || resp.StatusCode >= 300 {
		if err := relay(w, resp.Body); err != nil {
			log.Debug().Err(err).Msg("handlers: relay interrupted")
		}
		h.logRow(row)
		return
	}

	switch h.meter.Mode() {
	case models.CostModeCount:
		// One unit per completed call; no need to observe the body.
		go h.meter.CountCall(context.Background(), decision.HashedCode, family, row)
		if err := relay(w, resp.Body); err != nil {
			log.Debug().Err(err).Msg("handlers: relay interrupted")
		}

	case models.CostModeTokens:
		// Duplicate the stream: the caller gets the tee'd copy verbatim
		// while the meter reads the pipe end. Closing the pipe with the
		// relay error tells the meter whether the stream completed; a
		// broken relay must not settle partial usage.
		pr, pw := io.Pipe()
		go h.meter.MeterStream(context.Background(), pr, decision.HashedCode, family, promptTokens, row)

		err := relay(w, io.TeeReader(resp.Body, pw))
		pw.CloseWithError(err)
		if err != nil {
			log.Debug().Err(err).Msg("handlers: relay interrupted")
		}
	}
}

// targetFor resolves the upstream for a model family.
func (h *ProxyHandler) targetFor(family models.ModelFamily) proxy.Target {
	if family == models.FamilyChatGLM && h.cfg.ChatGLMBaseURL != "" {
		return proxy.Target{BaseURL: h.cfg.ChatGLMBaseURL, Protocol: h.cfg.Protocol}
	}
	return proxy.Target{BaseURL: h.cfg.BaseURL, Protocol: h.cfg.Protocol, OrgID: h.cfg.OpenAIOrgID}
}

// relay copies the upstream stream to the caller, flushing after every
// chunk so tokens arrive as they are produced.
func relay(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// logRow writes a request log row for paths the meter does not own.
func (h *ProxyHandler) logRow(row *database.RequestLog) {
	if h.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.db.LogRequest(ctx, row); err != nil {
			log.Warn().Err(err).Msg("handlers: request log insert failed")
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
