package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/pocketai/pocketai-gateway/internal/gateway/auth"
	"github.com/pocketai/pocketai-gateway/internal/shared/redis"
)

// BalancePath is the only sub-path served under the account prefix.
const BalancePath = "usage"

var allowedAccountPaths = map[string]bool{
	BalancePath: true,
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// HandleBalance reports the remaining balance for the caller's access
// code. Unknown credentials get an empty 401 body; no usage is metered
// and nothing is forwarded upstream.
func (h *ProxyHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	subpath := chi.URLParam(r, "*")
	if !allowedAccountPaths[subpath] {
		writeJSON(w, http.StatusForbidden, errorEnvelope{Error: true, Msg: "you are not allowed to request " + subpath})
		return
	}

	cred := auth.ParseCredential(r.Header.Get("Authorization"))
	hashed := auth.HashCode(cred.AccessCode)

	known, err := h.store.Exists(r.Context(), hashed)
	if err != nil {
		log.Error().Err(err).Msg("handlers: balance existence check failed")
	}
	if !known {
		writeJSON(w, http.StatusUnauthorized, struct{}{})
		return
	}

	rec, err := h.store.Read(r.Context(), hashed)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			log.Error().Err(err).Msg("handlers: balance read failed")
		}
		writeJSON(w, http.StatusUnauthorized, struct{}{})
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: rec.Balance})
}
