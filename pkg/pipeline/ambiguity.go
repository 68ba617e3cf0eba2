package pipeline

// Ambiguity thresholds. A non-empty selection with marginal confidence
// (between the two bounds) is accepted to avoid over-blocking usable
// answers; only a confident and concrete miss is terminal.
const (
	ambiguityLowConfidence  = 0.3
	ambiguityHardConfidence = 0.2
)

// DetectAmbiguity decides whether the table selection is trustworthy enough
// to proceed. Pure function of (confidence, selection); rules are evaluated
// top to bottom, first match wins.
func (p *Pipeline) DetectAmbiguity(c Context) Context {
	switch {
	case c.Confidence < ambiguityLowConfidence && len(c.SelectedTables) == 0:
		c.IsAmbiguous = true
		c.DisambiguationOptions = []DisambiguationOption{
			{Message: "I'm not sure which tables to use. Could you be more specific?"},
		}
	case c.Confidence < ambiguityHardConfidence:
		c.IsAmbiguous = true
		c.DisambiguationOptions = []DisambiguationOption{
			{Message: "I found some potential tables, but I'm not confident enough. Can you provide more details?"},
		}
	case len(c.SelectedTables) == 0:
		c.IsAmbiguous = true
		c.DisambiguationOptions = []DisambiguationOption{
			{Message: "I couldn't find any relevant tables for your question."},
		}
	default:
		c.IsAmbiguous = false
	}

	if c.IsAmbiguous {
		p.log.Debug("pipeline: run is ambiguous",
			"confidence", c.Confidence,
			"selected", len(c.SelectedTables))
	}
	return c
}
