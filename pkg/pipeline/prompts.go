package pipeline

import (
	"fmt"
	"strings"

	"github.com/querypilot/querypilot/pkg/pipeline/prompts"
)

// Prompts contains all the pipeline prompts loaded from embedded files.
type Prompts struct {
	Intent   string // Prompt for intent classification
	Score    string // Prompt for table relevance scoring
	Ground   string // Prompt for column grounding
	Generate string // Prompt for query generation and repair
	Insights string // Prompt for post-execution insights
	Explain  string // Prompt for plain-language query explanations
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Intent, err = loadPrompt("INTENT.md"); err != nil {
		return nil, fmt.Errorf("failed to load INTENT: %w", err)
	}
	if p.Score, err = loadPrompt("SCORE.md"); err != nil {
		return nil, fmt.Errorf("failed to load SCORE: %w", err)
	}
	if p.Ground, err = loadPrompt("GROUND.md"); err != nil {
		return nil, fmt.Errorf("failed to load GROUND: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Insights, err = loadPrompt("INSIGHTS.md"); err != nil {
		return nil, fmt.Errorf("failed to load INSIGHTS: %w", err)
	}
	if p.Explain, err = loadPrompt("EXPLAIN.md"); err != nil {
		return nil, fmt.Errorf("failed to load EXPLAIN: %w", err)
	}

	return p, nil
}

// DefaultPrompts returns the embedded prompts. The embedded filesystem is
// fixed at build time, so a load failure here is a programming error.
func DefaultPrompts() *Prompts {
	p, err := LoadPrompts()
	if err != nil {
		panic(err)
	}
	return p
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
