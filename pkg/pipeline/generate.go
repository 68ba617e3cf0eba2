package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// insufficientSchemaPrefix is the distinguished error string the model emits
// when the grounded schema cannot answer the question.
const insufficientSchemaPrefix = "ERROR:"

// GenerateQuery produces candidate query text constrained to the grounded
// schema. When lastError is non-empty the instruction pivots to correcting
// the previous query rather than generating from scratch. The returned text
// has markdown fencing stripped; it may carry the model's insufficiency
// sentinel, which GenerateStage surfaces as a validation error.
func (p *Pipeline) GenerateQuery(ctx context.Context, question string, grounded map[string][]string, lastError string) (string, error) {
	schemaJSON, err := json.MarshalIndent(grounded, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode grounded schema: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("Allowed Schema:\n")
	sb.Write(schemaJSON)
	sb.WriteString("\n\n")
	if lastError != "" {
		sb.WriteString("PREVIOUS ATTEMPT FAILED.\nError Message: ")
		sb.WriteString(lastError)
		sb.WriteString("\n\nCORRECT THE QUERY based on the error.\n")
		sb.WriteString("- If the error says a table doesn't exist, use the correct table name from the Allowed Schema.\n")
		sb.WriteString("- If the error says a column doesn't exist, use the correct column name.\n\n")
	} else {
		sb.WriteString("Generate a SQL query to answer the user's question.\n\n")
	}
	sb.WriteString(fmt.Sprintf("Question: %q", question))

	response, err := p.cfg.LLM.Complete(ctx, p.cfg.Prompts.Generate, sb.String())
	if err != nil {
		return "", fmt.Errorf("LLM completion failed: %w", err)
	}

	query := cleanQueryText(response)
	if query == "" {
		return "", fmt.Errorf("no query generated")
	}
	return query, nil
}

// GenerateStage runs GenerateQuery against the run context. A model-reported
// insufficiency short-circuits downstream stages via ValidationError.
func (p *Pipeline) GenerateStage(ctx context.Context, c Context) (Context, error) {
	query, err := p.GenerateQuery(ctx, c.Question, c.GroundedSchema, c.LastError)
	if err != nil {
		return c, err
	}
	if strings.HasPrefix(query, insufficientSchemaPrefix) {
		c.QueryText = ""
		c.ValidationError = query
		return c, nil
	}
	c.QueryText = query
	return c, nil
}

// RepairQuery asks the model to fix a failed query given the raw error, for
// an inline repair attempt before full regeneration. Returns the original
// text unchanged when repair itself fails.
func (p *Pipeline) RepairQuery(ctx context.Context, failedQuery, errorMsg string) string {
	systemPrompt := `You are an expert SQL database administrator. Fix a query that failed to execute.

RULES:
1. Fix ONLY the error described.
2. Maintain the original logic.
3. Do NOT output markdown or explanations. Output ONLY the raw SQL.`

	userPrompt := fmt.Sprintf("Failed SQL:\n%s\n\nError Message:\n%s\n\nCorrected SQL:", failedQuery, errorMsg)

	response, err := p.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		p.log.Warn("pipeline: repair failed", "error", err)
		return failedQuery
	}

	repaired := cleanQueryText(response)
	if repaired == "" {
		return failedQuery
	}
	return repaired
}

// cleanQueryText strips markdown fencing and trailing semicolons from model
// output.
func cleanQueryText(s string) string {
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "```sql"); start != -1 {
		start += 6 // len("```sql")
		if end := strings.Index(s[start:], "```"); end != -1 {
			s = s[start : start+end]
		}
	} else if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			s = s[start : start+end]
		}
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}
