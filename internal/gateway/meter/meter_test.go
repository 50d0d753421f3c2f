package meter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketai/pocketai-gateway/internal/gateway/accounts"
	"github.com/pocketai/pocketai-gateway/internal/shared/models"
	"github.com/pocketai/pocketai-gateway/internal/shared/redis"
)

// runeTokenizer stands in for the fixed vocabulary: one token per rune.
type runeTokenizer struct{}

func (runeTokenizer) Count(text string) int { return utf8.RuneCountInString(text) }

func newTestMeter(t *testing.T, mode models.CostMode, records map[string]string) (*Meter, *accounts.Store) {
	t.Helper()
	kv := redis.NewMemory()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "gpt3_price", "0.002", 0))
	for k, v := range records {
		require.NoError(t, kv.Set(ctx, k, v, 0))
	}
	store := accounts.New(kv)
	return New(store, runeTokenizer{}, mode, nil), store
}

const streamFixture = "" +
	`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n" +
	`data: this is not json` + "\n\n" +
	`data: {"choices":[{"delta":{"content":"!"}}]}` + "\n\n" +
	"data: [DONE]\n\n"

func TestMeterStreamExtractsAndSettles(t *testing.T) {
	m, store := newTestMeter(t, models.CostModeTokens, map[string]string{
		"abc": `{"balance":"10","gpt3remains":5}`,
	})
	ctx := context.Background()

	// Completion "Hi!" = 3 tokens, plus 20 prompt tokens, at 0.002 each.
	m.MeterStream(ctx, strings.NewReader(streamFixture), "abc", models.FamilyGPT3, 20, nil)

	rec, err := store.Read(ctx, "abc")
	require.NoError(t, err)
	want := decimal.RequireFromString("10").Sub(
		decimal.RequireFromString("0.002").Mul(decimal.NewFromInt(23)))
	assert.True(t, rec.Balance.Equal(want), "balance = %s, want %s", rec.Balance, want)
}

func TestMeterStreamMalformedFrameDoesNotChangeResult(t *testing.T) {
	clean := "" +
		`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"!"}}]}` + "\n\n" +
		"data: [DONE]\n\n"

	for _, fixture := range []string{clean, streamFixture} {
		m, store := newTestMeter(t, models.CostModeTokens, map[string]string{
			"abc": `{"balance":"10"}`,
		})
		ctx := context.Background()
		m.MeterStream(ctx, strings.NewReader(fixture), "abc", models.FamilyGPT3, 0, nil)

		rec, err := store.Read(ctx, "abc")
		require.NoError(t, err)
		want := decimal.RequireFromString("9.994") // 3 tokens * 0.002
		assert.True(t, rec.Balance.Equal(want), "balance = %s, want %s", rec.Balance, want)
	}
}

func TestMeterStreamAbortedAppliesNothing(t *testing.T) {
	m, store := newTestMeter(t, models.CostModeTokens, map[string]string{
		"abc": `{"balance":"10"}`,
	})

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.MeterStream(context.Background(), pr, "abc", models.FamilyGPT3, 20, nil)
	}()

	_, err := pw.Write([]byte(`data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n"))
	require.NoError(t, err)
	pw.CloseWithError(errors.New("client went away"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("meter did not finish")
	}

	rec, err := store.Read(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("10")),
		"aborted stream must not settle partial usage")
}

func TestMeterStreamOversizedFrameDoesNotStallWriter(t *testing.T) {
	m, store := newTestMeter(t, models.CostModeTokens, map[string]string{
		"abc": `{"balance":"10"}`,
	})

	pr, pw := io.Pipe()
	meterDone := make(chan struct{})
	go func() {
		defer close(meterDone)
		m.MeterStream(context.Background(), pr, "abc", models.FamilyGPT3, 0, nil)
	}()

	// A single frame larger than the scanner buffer aborts parsing; the
	// meter must keep draining so the writer feeding it never blocks.
	writerDone := make(chan error, 1)
	go func() {
		huge := `data: {"choices":[{"delta":{"content":"` + strings.Repeat("x", 2<<20) + `"}}]}` + "\n\n"
		tail := `data: {"choices":[{"delta":{"content":"Hi"}}]}` + "\n\n" + "data: [DONE]\n\n"
		if _, err := io.WriteString(pw, huge+tail); err != nil {
			writerDone <- err
			return
		}
		writerDone <- pw.Close()
	}()

	select {
	case err := <-writerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked: meter stopped reading its stream copy")
	}

	select {
	case <-meterDone:
	case <-time.After(5 * time.Second):
		t.Fatal("meter did not finish")
	}

	rec, err := store.Read(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("10")),
		"aborted metering must not settle usage")
}

func TestMeterStreamMissingRecordIsBestEffort(t *testing.T) {
	m, _ := newTestMeter(t, models.CostModeTokens, nil)
	// Must not panic or error out loud; the settlement is just dropped.
	m.MeterStream(context.Background(), strings.NewReader(streamFixture), "gone", models.FamilyGPT3, 0, nil)
}

func TestCountCallDecrementsOnce(t *testing.T) {
	m, store := newTestMeter(t, models.CostModeCount, map[string]string{
		"abc": `{"balance":"10","gpt3remains":5}`,
	})
	ctx := context.Background()

	m.CountCall(ctx, "abc", models.FamilyGPT3, nil)

	rec, err := store.Read(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.GPT3Remains)
	assert.True(t, rec.Balance.Equal(decimal.RequireFromString("10")))
}

func TestPromptTokens(t *testing.T) {
	m, _ := newTestMeter(t, models.CostModeTokens, nil)

	body := `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"Hello"}]}`
	assert.Equal(t, 5, m.PromptTokens([]byte(body)))

	// Last message not from the user: nothing to count.
	body = `{"messages":[{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello"}]}`
	assert.Equal(t, 0, m.PromptTokens([]byte(body)))

	// Long histories are capped, not tokenized.
	var msgs []string
	for i := 0; i < 7; i++ {
		msgs = append(msgs, `{"role":"user","content":"Hello"}`)
	}
	body = `{"messages":[` + strings.Join(msgs, ",") + `]}`
	assert.Equal(t, 0, m.PromptTokens([]byte(body)))

	assert.Equal(t, 0, m.PromptTokens([]byte("not json")))
	assert.Equal(t, 0, m.PromptTokens([]byte(`{"messages":[]}`)))
}
