package meter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"

	"github.com/pocketai/pocketai-gateway/internal/gateway/accounts"
	"github.com/pocketai/pocketai-gateway/internal/shared/database"
	"github.com/pocketai/pocketai-gateway/internal/shared/models"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "data: [DONE]"

	// maxPromptMessages caps how much inbound history is tokenized;
	// longer conversations bill completion tokens only.
	maxPromptMessages = 6

	// maxFrameSize bounds a single streamed event line.
	maxFrameSize = 1 << 20
)

// Meter turns completed responses into usage applied to the account
// store. It always runs detached from the primary response path.
type Meter struct {
	store *accounts.Store
	tok   Tokenizer
	mode  models.CostMode
	db    *database.DB // optional, nil disables the log sink
}

func New(store *accounts.Store, tok Tokenizer, mode models.CostMode, db *database.DB) *Meter {
	return &Meter{store: store, tok: tok, mode: mode, db: db}
}

// Mode reports the operator-selected cost mode.
func (m *Meter) Mode() models.CostMode {
	return m.mode
}

// PromptTokens tokenizes the inbound message list's last user message.
// Only short conversations are counted, so an arbitrarily long history
// never gets tokenized on the request path.
func (m *Meter) PromptTokens(body []byte) int {
	var req struct {
		Messages []openai.ChatCompletionMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0
	}
	n := len(req.Messages)
	if n == 0 || n > maxPromptMessages {
		return 0
	}
	last := req.Messages[n-1]
	if last.Role != openai.ChatMessageRoleUser {
		return 0
	}
	return m.tok.Count(last.Content)
}

// CountCall registers exactly one usage unit for a completed request.
func (m *Meter) CountCall(ctx context.Context, hashedCode string, family models.ModelFamily, row *database.RequestLog) {
	ev := models.UsageEvent{
		HashedCode: hashedCode,
		Family:     family,
		Amount:     1,
		Mode:       models.CostModeCount,
	}
	if err := m.store.ApplyUsage(ctx, ev); err != nil {
		log.Warn().Err(err).Str("hashed_code", hashedCode).Msg("meter: count settlement failed")
		return
	}
	log.Info().Str("hashed_code", hashedCode).Stringer("family", family).Msg("meter: call counted")
	m.logRow(row)
}

// MeterStream incrementally decodes a duplicated response stream,
// concatenates the extracted deltas, tokenizes the result and applies
// completion+prompt tokens against the balance. Malformed frames are
// skipped, never fatal. A stream that ends in an error or cancellation
// applies nothing.
func (m *Meter) MeterStream(ctx context.Context, body io.Reader, hashedCode string, family models.ModelFamily, promptTokens int, row *database.RequestLog) {
	// The relay tees the caller's stream into this reader; leaving bytes
	// unread would block that tee and stall the caller's copy.
	defer io.Copy(io.Discard, body)

	var deltas strings.Builder
	skipped := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == doneSentinel || !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		var frame openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, dataPrefix)), &frame); err != nil {
			skipped++
			continue
		}
		if len(frame.Choices) > 0 {
			deltas.WriteString(frame.Choices[0].Delta.Content)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("hashed_code", hashedCode).Msg("meter: stream aborted, usage not applied")
		return
	}

	completionTokens := m.tok.Count(deltas.String())
	total := completionTokens + promptTokens

	ev := models.UsageEvent{
		HashedCode: hashedCode,
		Family:     family,
		Amount:     int64(total),
		Mode:       models.CostModeTokens,
	}
	if err := m.store.ApplyUsage(ctx, ev); err != nil {
		log.Warn().Err(err).Str("hashed_code", hashedCode).Msg("meter: token settlement failed")
		return
	}

	log.Info().
		Str("hashed_code", hashedCode).
		Stringer("family", family).
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Int("skipped_frames", skipped).
		Msg("meter: tokens settled")

	if row != nil {
		row.PromptTokens = promptTokens
		row.CompletionTokens = completionTokens
		price := m.store.GetPrice(ctx).For(family)
		row.Cost = price.Mul(decimal.NewFromInt(int64(total))).String()
	}
	m.logRow(row)
}

// logRow writes the observability row, best effort.
func (m *Meter) logRow(row *database.RequestLog) {
	if m.db == nil || row == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.db.LogRequest(ctx, row); err != nil {
		log.Warn().Err(err).Msg("meter: request log insert failed")
	}
}
