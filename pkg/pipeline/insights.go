package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// insightsSampleSize bounds how many result rows are shown to the model.
// Never the full result set: this bounds cost and limits how much data leaks
// into the model call.
const insightsSampleSize = 5

// ResultMeta describes an executed query's result shape for insights.
type ResultMeta struct {
	RowsReturned int      `json:"rows_returned"`
	Columns      []string `json:"columns"`
}

// GenerateInsights produces a structured business summary of an executed
// query from a bounded sample. Insights are an enrichment, never a gate:
// any failure yields a fixed, clearly labeled fallback record.
func (p *Pipeline) GenerateInsights(ctx context.Context, question, query string, meta ResultMeta, rows []map[string]any) *Insights {
	sample := rows
	if len(sample) > insightsSampleSize {
		sample = sample[:insightsSampleSize]
	}

	sampleJSON, err := json.MarshalIndent(sample, "", "  ")
	if err != nil || len(sample) == 0 {
		sampleJSON = []byte("No data returned")
	}
	metaJSON, _ := json.Marshal(meta)

	userPrompt := fmt.Sprintf(`Context:
User Question: %q
Executed Query: %s
Result Metadata: %s

ACTUAL DATA SAMPLE (analyze this!):
%s

Based on the data sample above, generate insights that analyze what the data shows, not just what the query does.`,
		question, query, metaJSON, sampleJSON)

	response, err := p.cfg.LLM.Complete(ctx, p.cfg.Prompts.Insights, userPrompt)
	if err != nil {
		p.log.Warn("pipeline: insights generation failed", "error", err)
		return fallbackInsights(meta)
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		p.log.Warn("pipeline: no JSON in insights response")
		return fallbackInsights(meta)
	}

	var insights Insights
	if err := json.Unmarshal([]byte(jsonStr), &insights); err != nil {
		p.log.Warn("pipeline: insights output unparseable", "error", err)
		return fallbackInsights(meta)
	}
	return &insights
}

func fallbackInsights(meta ResultMeta) *Insights {
	return &Insights{
		Impact:          "Informational",
		DataScope:       fmt.Sprintf("Query returned %d rows", meta.RowsReturned),
		BusinessMeaning: "Insights generation encountered an issue. Please review the data manually.",
		PerformanceNote: "",
		RiskAssessment:  "N/A",
	}
}
