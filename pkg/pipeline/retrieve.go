package pipeline

import "context"

// RetrieveCandidates narrows the schema to the top-K candidate tables via
// similarity search. The breadth is deliberately high recall: missing a
// relevant table is worse than scoring an extra one. An unavailable index
// degrades to an empty candidate list so the run continues into the
// ambiguity path instead of hard-failing.
func (p *Pipeline) RetrieveCandidates(ctx context.Context, c Context) Context {
	entries, err := p.cfg.Index.SimilaritySearch(ctx, c.Question, p.cfg.CandidateBreadth)
	if err != nil {
		p.log.Warn("pipeline: candidate retrieval failed", "error", err)
		c.CandidateTables = nil
		return c
	}

	// Deduplicate preserving first-seen rank order.
	seen := make(map[string]bool, len(entries))
	candidates := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		candidates = append(candidates, e.Name)
	}

	c.CandidateTables = candidates
	p.log.Debug("pipeline: candidates retrieved", "count", len(candidates))
	return c
}
