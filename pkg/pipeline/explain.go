package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// ExplainQuery produces a short plain-language description of what the query
// does, for reviewers who should not have to read raw SQL. Explanations are
// an enrichment, never a gate: any failure yields an empty string.
func (p *Pipeline) ExplainQuery(ctx context.Context, question, query string) string {
	if query == "" {
		return ""
	}

	userPrompt := fmt.Sprintf("User Question: %q\nQuery: %s", question, query)
	response, err := p.cfg.LLM.Complete(ctx, p.cfg.Prompts.Explain, userPrompt)
	if err != nil {
		p.log.Warn("pipeline: query explanation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(response)
}
