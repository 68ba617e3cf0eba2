// Package pipeline implements the multi-stage question-to-query pipeline:
// intent classification, access evaluation, candidate retrieval, relevance
// scoring, ambiguity detection, column grounding, constrained generation and
// safety validation. Stages are routed through an explicit state table so
// the branching is testable independently of stage logic.
package pipeline

import (
	"context"
	"fmt"

	"github.com/querypilot/querypilot/pkg/metrics"
	"github.com/querypilot/querypilot/pkg/sqlguard"
)

// Stage identifies a node in the pipeline's state machine.
type Stage string

const (
	StageIntent    Stage = "intent"
	StageAccess    Stage = "access"
	StageRetrieve  Stage = "retrieve"
	StageScore     Stage = "score"
	StageAmbiguity Stage = "ambiguity"
	StageGround    Stage = "ground"
	StageGenerate  Stage = "generate"
	StageValidate  Stage = "validate"
	StageImpact    Stage = "impact"

	// Terminal stages.
	StageReady     Stage = "ready"
	StageRejected  Stage = "rejected"
	StageAmbiguous Stage = "ambiguous"
	StageOther     Stage = "other"
	StageInvalid   Stage = "invalid"
)

// IsTerminal reports whether the stage ends the run.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageReady, StageRejected, StageAmbiguous, StageOther, StageInvalid:
		return true
	}
	return false
}

// ImpactEstimator projects the affected-row count of a write statement by
// running its filter as a read. Advisory only; must never mutate.
type ImpactEstimator interface {
	EstimateImpact(ctx context.Context, connectionID, query string) (*Impact, error)
}

// SetImpactEstimator wires the optional write-impact projection. Without it
// write runs proceed with no impact estimate.
func (p *Pipeline) SetImpactEstimator(e ImpactEstimator) {
	p.impact = e
}

type transition struct {
	run  func(context.Context, Context) (Context, error)
	next func(Context) Stage
}

// Routing table. Each stage's router is a pure function of the run context,
// evaluated after the stage body completes.
func (p *Pipeline) transitions() map[Stage]transition {
	return map[Stage]transition{
		StageIntent: {
			run:  p.ClassifyIntent,
			next: RouteIntent,
		},
		StageAccess: {
			run: func(_ context.Context, c Context) (Context, error) {
				return p.EvaluateAccessStage(c), nil
			},
			next: RouteAccess,
		},
		StageRetrieve: {
			run: func(ctx context.Context, c Context) (Context, error) {
				return p.RetrieveCandidates(ctx, c), nil
			},
			next: func(Context) Stage { return StageScore },
		},
		StageScore: {
			run: func(ctx context.Context, c Context) (Context, error) {
				return p.ScoreRelevance(ctx, c), nil
			},
			next: func(Context) Stage { return StageAmbiguity },
		},
		StageAmbiguity: {
			run: func(_ context.Context, c Context) (Context, error) {
				return p.DetectAmbiguity(c), nil
			},
			next: RouteAmbiguity,
		},
		StageGround: {
			run:  p.GroundColumns,
			next: func(Context) Stage { return StageGenerate },
		},
		StageGenerate: {
			run:  p.GenerateStage,
			next: func(Context) Stage { return StageValidate },
		},
		StageValidate: {
			run: func(_ context.Context, c Context) (Context, error) {
				return p.validateStage(c), nil
			},
			next: RouteValidate,
		},
		StageImpact: {
			run:  p.impactStage,
			next: func(Context) Stage { return StageReady },
		},
	}
}

// RouteIntent ends the run for non-database questions.
func RouteIntent(c Context) Stage {
	if c.Intent == IntentOther {
		return StageOther
	}
	return StageAccess
}

// RouteAccess ends the run only on rejection. NEEDS_APPROVAL continues so
// that query text exists for the approval request.
func RouteAccess(c Context) Stage {
	if c.AccessStatus == AccessRejected {
		return StageRejected
	}
	return StageRetrieve
}

// RouteAmbiguity ends the run when the selection is untrustworthy.
func RouteAmbiguity(c Context) Stage {
	if c.IsAmbiguous {
		return StageAmbiguous
	}
	return StageGround
}

// RouteValidate ends the run on a guardrail violation; write intents detour
// through impact estimation before the run is ready.
func RouteValidate(c Context) Stage {
	if c.ValidationError != "" {
		return StageInvalid
	}
	if c.Intent.IsWrite() {
		return StageImpact
	}
	return StageReady
}

// validateStage runs the safety validator over the candidate query. This
// stage is not skippable: parse failure and disallowed statement kinds both
// reject the attempt.
func (p *Pipeline) validateStage(c Context) Context {
	if c.QueryText == "" {
		if c.ValidationError == "" {
			c.ValidationError = "no query generated"
		}
		return c
	}
	if err := sqlguard.Validate(c.QueryText); err != nil {
		c.ValidationError = fmt.Sprintf("Guardrail Alert: %v", err)
		c.QueryText = ""
	}
	return c
}

// impactStage estimates affected rows for write intents. Failures are
// advisory: the estimate is dropped, never the run.
func (p *Pipeline) impactStage(ctx context.Context, c Context) (Context, error) {
	if p.impact == nil {
		return c, nil
	}
	impact, err := p.impact.EstimateImpact(ctx, c.ConnectionID, c.QueryText)
	if err != nil {
		p.log.Warn("pipeline: impact estimation failed", "error", err)
		return c, nil
	}
	c.Impact = impact
	return c, nil
}

// Run executes the pipeline for one question. It returns the final run
// context and the terminal stage reached. An error is returned only for
// hard stops (grounding failure, cancelled context); routing outcomes such
// as rejection or ambiguity are expressed through the terminal stage.
func (p *Pipeline) Run(ctx context.Context, question, connectionID string, actor Actor) (Context, Stage, error) {
	c := Context{
		Question:     question,
		ConnectionID: connectionID,
		Actor:        actor,
	}

	table := p.transitions()
	stage := StageIntent
	for !stage.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return c, stage, err
		}
		t, ok := table[stage]
		if !ok {
			return c, stage, fmt.Errorf("no transition for stage %q", stage)
		}
		var err error
		c, err = t.run(ctx, c)
		if err != nil {
			metrics.PipelineRuns.WithLabelValues("error").Inc()
			return c, stage, err
		}
		stage = t.next(c)
	}

	metrics.PipelineRuns.WithLabelValues(string(stage)).Inc()
	p.log.Info("pipeline: run finished",
		"stage", stage,
		"intent", c.Intent,
		"access", c.AccessStatus,
		"confidence", c.Confidence)
	return c, stage, nil
}
