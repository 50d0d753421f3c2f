package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/pocketai/pocketai-gateway/internal/gateway/accounts"
	"github.com/pocketai/pocketai-gateway/internal/shared/models"
	"github.com/pocketai/pocketai-gateway/internal/shared/redis"
)

// AccessCodePrefix marks a bearer token as a shared access code rather
// than a caller-supplied upstream API key.
const AccessCodePrefix = "nk-"

// Outcome classifies an authorization decision. Access and usage
// denials carry different status codes so the client can tell "fix your
// credential" apart from "top up your balance".
type Outcome int

const (
	Allowed Outcome = iota
	AccessDenied
	UsageDenied
)

// Denial reasons, stable across releases.
const (
	ReasonEmptyCode   = "empty access code"
	ReasonUnknownCode = "wrong access code"
	ReasonExpired     = "access code expired"
	ReasonNoBalance   = "insufficient balance"
	ReasonGPT3Limit   = "gpt-3 call limit reached"
	ReasonGPT4Limit   = "gpt-4 call limit reached"
)

// Credential is the decomposed bearer token: exactly one of AccessCode
// and APIKey is non-empty (both empty means no credential at all).
type Credential struct {
	AccessCode string
	APIKey     string
}

// Decision is the result of authenticating one request.
type Decision struct {
	Outcome    Outcome
	HashedCode string
	Reason     string
	// AuthValue is the Authorization header to send upstream. Empty when
	// neither the caller nor the operator supplied a key; the upstream
	// will reject the unauthenticated call itself.
	AuthValue string
}

// Controller renders authorization decisions against the account store.
type Controller struct {
	store *accounts.Store
	// systemKey is injected upstream for access-code callers.
	systemKey string
}

func NewController(store *accounts.Store, systemKey string) *Controller {
	return &Controller{store: store, systemKey: systemKey}
}

// ParseCredential splits a raw Authorization header into an access code
// or a direct API key.
func ParseCredential(authHeader string) Credential {
	token := strings.TrimSpace(strings.ReplaceAll(authHeader, "Bearer ", ""))
	if strings.HasPrefix(token, AccessCodePrefix) {
		return Credential{AccessCode: strings.TrimPrefix(token, AccessCodePrefix)}
	}
	return Credential{APIKey: token}
}

// HashCode returns the lowercase hex MD5 digest used as the account
// lookup key. The empty code hashes to a fixed value that only ever
// means "no code supplied".
func HashCode(accessCode string) string {
	sum := md5.Sum([]byte(accessCode))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the Authorization header against the account
// store for the requested model family.
//
// Callers bringing their own API key are allowed through without account
// checks; their key is forwarded verbatim. Access-code callers must have
// a provisioned, unexpired record with balance and family quota left,
// and get the operator's system key substituted upstream.
func (c *Controller) Authenticate(ctx context.Context, authHeader string, family models.ModelFamily) Decision {
	cred := ParseCredential(authHeader)
	hashed := HashCode(cred.AccessCode)

	if cred.APIKey != "" {
		log.Debug().Msg("auth: using caller api key")
		return Decision{
			Outcome:    Allowed,
			HashedCode: hashed,
			AuthValue:  "Bearer " + cred.APIKey,
		}
	}

	if cred.AccessCode == "" {
		return Decision{Outcome: AccessDenied, HashedCode: hashed, Reason: ReasonEmptyCode}
	}

	rec, err := c.store.Read(ctx, hashed)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			log.Error().Err(err).Str("hashed_code", hashed).Msg("auth: account read failed")
		}
		return Decision{Outcome: AccessDenied, HashedCode: hashed, Reason: ReasonUnknownCode}
	}

	if rec.IsExpired {
		return Decision{Outcome: UsageDenied, HashedCode: hashed, Reason: ReasonExpired}
	}
	if rec.Balance.LessThanOrEqual(decimal.Zero) {
		return Decision{Outcome: UsageDenied, HashedCode: hashed, Reason: ReasonNoBalance}
	}
	if family == models.FamilyGPT3 && rec.GPT3Remains <= 0 {
		return Decision{Outcome: UsageDenied, HashedCode: hashed, Reason: ReasonGPT3Limit}
	}
	if family == models.FamilyGPT4 && rec.GPT4Remains <= 0 {
		return Decision{Outcome: UsageDenied, HashedCode: hashed, Reason: ReasonGPT4Limit}
	}

	authValue := ""
	if c.systemKey != "" {
		log.Debug().Msg("auth: using system api key")
		authValue = "Bearer " + c.systemKey
	} else {
		log.Warn().Msg("auth: no system api key configured, forwarding unauthenticated")
	}

	return Decision{Outcome: Allowed, HashedCode: hashed, AuthValue: authValue}
}
