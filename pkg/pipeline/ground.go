package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrGroundingFailed signals that the column grounder could not produce a
// validated schema subset. Callers must treat this as a hard stop: generation
// never proceeds with an ungrounded schema.
var ErrGroundingFailed = errors.New("column grounding failed")

// GroundColumns restricts the selected tables to the specific columns needed
// for the question. Missing schema entries are logged and skipped; a model
// response that cannot be parsed into a table-to-columns map fails the run
// with ErrGroundingFailed.
func (p *Pipeline) GroundColumns(ctx context.Context, c Context) (Context, error) {
	if len(c.SelectedTables) == 0 {
		c.GroundedSchema = map[string][]string{}
		return c, nil
	}

	var schemas []string
	for _, table := range c.SelectedTables {
		desc, ok, err := p.cfg.Index.GetByTableName(ctx, table)
		if err != nil {
			p.log.Warn("pipeline: schema lookup failed", "table", table, "error", err)
			continue
		}
		if !ok {
			p.log.Warn("pipeline: no schema entry for table", "table", table)
			continue
		}
		schemas = append(schemas, desc)
	}
	if len(schemas) == 0 {
		return c, fmt.Errorf("%w: no schema text available for selected tables", ErrGroundingFailed)
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nSchema:\n%s\n\nReturn JSON:",
		c.Question, strings.Join(schemas, "\n\n"))

	response, err := p.cfg.LLM.Complete(ctx, p.cfg.Prompts.Ground, userPrompt)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrGroundingFailed, err)
	}

	grounded, err := parseGroundedSchema(response)
	if err != nil {
		p.log.Warn("pipeline: grounder output unparseable",
			"error", err, "response", truncateString(response, 200))
		return c, fmt.Errorf("%w: %v", ErrGroundingFailed, err)
	}

	// Only selected tables may appear as keys.
	selected := make(map[string]bool, len(c.SelectedTables))
	for _, t := range c.SelectedTables {
		selected[t] = true
	}
	for table := range grounded {
		if !selected[table] {
			p.log.Warn("pipeline: grounder named unselected table, discarding", "table", table)
			delete(grounded, table)
		}
	}
	if len(grounded) == 0 {
		return c, fmt.Errorf("%w: grounded schema empty after filtering", ErrGroundingFailed)
	}

	c.GroundedSchema = grounded
	p.log.Debug("pipeline: columns grounded", "tables", len(grounded))
	return c, nil
}

func parseGroundedSchema(response string) (map[string][]string, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in response")
	}
	var grounded map[string][]string
	if err := json.Unmarshal([]byte(jsonStr), &grounded); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return grounded, nil
}
