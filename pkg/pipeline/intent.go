package pipeline

import (
	"context"
	"strings"
)

// ClassifyIntent determines the operation category of the question. It always
// returns a label: unrecognized model output is normalized through keyword
// heuristics, with READ as the fail-safe default.
func (p *Pipeline) ClassifyIntent(ctx context.Context, c Context) (Context, error) {
	response, err := p.cfg.LLM.Complete(ctx, p.cfg.Prompts.Intent, c.Question)
	if err != nil {
		// Gateway unavailable: degrade to the keyword heuristics over the
		// question itself rather than failing the run.
		p.log.Warn("pipeline: intent classification failed, using heuristics", "error", err)
		c.Intent = normalizeIntent(c.Question)
		return c, nil
	}

	c.Intent = normalizeIntent(response)
	p.log.Debug("pipeline: intent classified", "intent", c.Intent)
	return c, nil
}

// normalizeIntent maps free-form classifier output onto a valid intent label.
func normalizeIntent(s string) Intent {
	upper := strings.ToUpper(strings.TrimSpace(s))

	switch Intent(upper) {
	case IntentRead, IntentUpdateSingle, IntentUpdateMulti, IntentDelete, IntentOther:
		return Intent(upper)
	}

	switch {
	case strings.Contains(upper, "DELETE"), strings.Contains(upper, "DROP"):
		return IntentDelete
	case strings.Contains(upper, "UPDATE") && strings.Contains(upper, "ALL"):
		return IntentUpdateMulti
	case strings.Contains(upper, "UPDATE"):
		return IntentUpdateSingle
	case strings.Contains(upper, "SELECT"), strings.Contains(upper, "SHOW"):
		return IntentRead
	}
	// Default to READ: the least destructive direction.
	return IntentRead
}
