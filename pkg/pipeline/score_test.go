package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreRelevanceSelectsSubset(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: `{"selected_tables": ["users", "orders"], "reasoning": "both needed", "confidence": 0.85}`},
	}}
	p := newTestPipeline(t, llm, &mockIndex{})

	c := p.ScoreRelevance(context.Background(), Context{
		Question:        "orders per user",
		CandidateTables: []string{"users", "orders", "payments"},
	})
	assert.Equal(t, []string{"users", "orders"}, c.SelectedTables)
	assert.Equal(t, 0.85, c.Confidence)
}

func TestScoreRelevanceDiscardsHallucinatedTables(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: `{"selected_tables": ["users", "user_profiles_v2"], "reasoning": "", "confidence": 0.9}`},
	}}
	p := newTestPipeline(t, llm, &mockIndex{})

	c := p.ScoreRelevance(context.Background(), Context{
		Question:        "user info",
		CandidateTables: []string{"users", "orders"},
	})
	// user_profiles_v2 was never retrieved, so it cannot be selected.
	assert.Equal(t, []string{"users"}, c.SelectedTables)
	assert.Equal(t, 0.9, c.Confidence)
}

func TestScoreRelevanceFallbackOnUnparseableOutput(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: "I think the users table is best."},
	}}
	p := newTestPipeline(t, llm, &mockIndex{})

	c := p.ScoreRelevance(context.Background(), Context{
		Question:        "user info",
		CandidateTables: []string{"users", "orders", "payments", "refunds"},
	})
	assert.Equal(t, []string{"users", "orders", "payments"}, c.SelectedTables)
	assert.Equal(t, fallbackConfidence, c.Confidence)
}

func TestScoreRelevanceFallbackOnGatewayError(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{{err: fmt.Errorf("overloaded")}}}
	p := newTestPipeline(t, llm, &mockIndex{})

	c := p.ScoreRelevance(context.Background(), Context{
		Question:        "user info",
		CandidateTables: []string{"users", "orders"},
	})
	assert.Equal(t, []string{"users", "orders"}, c.SelectedTables)
	assert.Equal(t, fallbackConfidence, c.Confidence)
}

func TestScoreRelevanceEmptyCandidates(t *testing.T) {
	llm := &mockLLM{}
	p := newTestPipeline(t, llm, &mockIndex{})

	c := p.ScoreRelevance(context.Background(), Context{Question: "anything"})
	assert.Empty(t, c.SelectedTables)
	assert.Zero(t, c.Confidence)
	assert.Empty(t, llm.calls)
}

func TestScoreRelevanceClampsConfidence(t *testing.T) {
	llm := &mockLLM{responses: []mockCompletion{
		{text: `{"selected_tables": ["users"], "reasoning": "", "confidence": 1.7}`},
	}}
	p := newTestPipeline(t, llm, &mockIndex{})

	c := p.ScoreRelevance(context.Background(), Context{
		Question:        "user info",
		CandidateTables: []string{"users"},
	})
	assert.Equal(t, 1.0, c.Confidence)
}
