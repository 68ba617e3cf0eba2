package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// scoreResponse is the expected JSON response from the relevance scorer.
type scoreResponse struct {
	SelectedTables []string `json:"selected_tables"`
	Reasoning      string   `json:"reasoning"`
	Confidence     float64  `json:"confidence"`
}

// fallbackSelectionSize is how many top candidates to keep when the scorer
// output cannot be parsed.
const fallbackSelectionSize = 3

// fallbackConfidence is the confidence assigned to a fallback selection.
const fallbackConfidence = 0.3

// ScoreRelevance asks the model to select the minimal sufficient subset of
// candidate tables. Parse failures degrade to a deterministic fallback and
// never surface to the caller. Any table the model names that is not in the
// candidate list is discarded: the hallucination filter is mandatory.
func (p *Pipeline) ScoreRelevance(ctx context.Context, c Context) Context {
	if len(c.CandidateTables) == 0 {
		c.SelectedTables = nil
		c.Confidence = 0
		return c
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nCandidate Tables:\n%s\n\nReturn JSON:",
		c.Question, strings.Join(c.CandidateTables, "\n"))

	response, err := p.cfg.LLM.Complete(ctx, p.cfg.Prompts.Score, userPrompt)
	if err != nil {
		p.log.Warn("pipeline: relevance scoring failed, using fallback", "error", err)
		return fallbackSelection(c)
	}

	parsed, err := parseScoreResponse(response)
	if err != nil {
		p.log.Warn("pipeline: scorer output unparseable, using fallback",
			"error", err, "response", truncateString(response, 200))
		return fallbackSelection(c)
	}

	// Hallucination filter: only accept tables that were actually retrieved.
	candidates := make(map[string]bool, len(c.CandidateTables))
	for _, t := range c.CandidateTables {
		candidates[t] = true
	}
	selected := make([]string, 0, len(parsed.SelectedTables))
	for _, t := range parsed.SelectedTables {
		if candidates[t] {
			selected = append(selected, t)
		} else {
			p.log.Warn("pipeline: scorer selected unknown table, discarding", "table", t)
		}
	}

	c.SelectedTables = selected
	c.Confidence = clampConfidence(parsed.Confidence)
	p.log.Debug("pipeline: tables selected",
		"selected", len(selected),
		"confidence", c.Confidence,
		"reasoning", truncateString(parsed.Reasoning, 200))
	return c
}

func parseScoreResponse(response string) (*scoreResponse, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}
	var parsed scoreResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &parsed, nil
}

func fallbackSelection(c Context) Context {
	n := min(fallbackSelectionSize, len(c.CandidateTables))
	c.SelectedTables = append([]string(nil), c.CandidateTables[:n]...)
	c.Confidence = fallbackConfidence
	return c
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
