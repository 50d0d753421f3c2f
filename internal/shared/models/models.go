package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ModelFamily is the closed set of model groupings the gateway meters.
// Concrete model identifiers (e.g. "gpt-4-turbo") collapse into one
// family sharing a price and a quota counter.
type ModelFamily int

const (
	FamilyUnknown ModelFamily = iota
	FamilyGPT3
	FamilyGPT4
	FamilyChatGLM
)

func (f ModelFamily) String() string {
	switch f {
	case FamilyGPT3:
		return "gpt-3"
	case FamilyGPT4:
		return "gpt-4"
	case FamilyChatGLM:
		return "chatglm"
	default:
		return "unknown"
	}
}

// FamilyInfo maps a family to its storage attributes.
type FamilyInfo struct {
	PriceKey string // global KV key holding the per-token unit price
	HasQuota bool   // whether the account record carries a call counter
}

var familyTable = map[ModelFamily]FamilyInfo{
	FamilyGPT3:    {PriceKey: "gpt3_price", HasQuota: true},
	FamilyGPT4:    {PriceKey: "gpt4_price", HasQuota: true},
	FamilyChatGLM: {PriceKey: "glm_price", HasQuota: false},
}

// Info returns the storage attributes for a family. The zero FamilyInfo
// is returned for FamilyUnknown.
func (f ModelFamily) Info() FamilyInfo {
	return familyTable[f]
}

// FamilyOf classifies a concrete model identifier.
func FamilyOf(model string) ModelFamily {
	switch {
	case strings.Contains(model, "gpt-4"):
		return FamilyGPT4
	case strings.Contains(model, "gpt-3"):
		return FamilyGPT3
	case strings.HasPrefix(model, "chatglm"):
		return FamilyChatGLM
	default:
		return FamilyUnknown
	}
}

// CostMode selects how completed requests are charged. The modes are
// mutually exclusive and fixed for the lifetime of the process.
type CostMode int

const (
	// CostModeTokens bills completion+prompt tokens against the balance.
	CostModeTokens CostMode = iota
	// CostModeCount decrements the family call counter by one per request.
	CostModeCount
)

func (m CostMode) String() string {
	if m == CostModeCount {
		return "count"
	}
	return "tokens"
}

// AccountRecord is the per-credential state stored under a hashed access
// code. Absence of a record means "unknown credential", not zero state.
type AccountRecord struct {
	Balance     decimal.Decimal `json:"balance"`
	GPT3Remains int64           `json:"gpt3remains"`
	GPT4Remains int64           `json:"gpt4remains"`
	IsExpired   bool            `json:"isExpired"`
}

// Quota returns the remaining-call counter for a family, and whether the
// family carries one at all.
func (r *AccountRecord) Quota(f ModelFamily) (int64, bool) {
	switch f {
	case FamilyGPT3:
		return r.GPT3Remains, true
	case FamilyGPT4:
		return r.GPT4Remains, true
	default:
		return 0, false
	}
}

// DecQuota decrements the family call counter by one. No-op for families
// without a counter. Values may go negative; denial happens on the next
// authenticate.
func (r *AccountRecord) DecQuota(f ModelFamily) {
	switch f {
	case FamilyGPT3:
		r.GPT3Remains--
	case FamilyGPT4:
		r.GPT4Remains--
	}
}

// PriceTable holds the global per-token unit prices. Entries default to
// zero when the store holds nothing parseable.
type PriceTable struct {
	GPT3Price decimal.Decimal
	GPT4Price decimal.Decimal
	GLMPrice  decimal.Decimal
}

// For returns the unit price for a family (zero for unknown families).
func (p PriceTable) For(f ModelFamily) decimal.Decimal {
	switch f {
	case FamilyGPT3:
		return p.GPT3Price
	case FamilyGPT4:
		return p.GPT4Price
	case FamilyChatGLM:
		return p.GLMPrice
	default:
		return decimal.Zero
	}
}

// UsageEvent describes one completed request's consumption, produced by
// the meter and consumed immediately by the account store.
type UsageEvent struct {
	HashedCode string
	Family     ModelFamily
	Amount     int64
	Mode       CostMode
}
