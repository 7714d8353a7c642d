// Package builder turns source decision facts and explanation evidence into
// the initial report document.
package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/config"
	"github.com/pedro-meseguer/xai-business/internal/reportdoc"
)

var ErrUnknownTemplate = errors.New("unknown template")

const (
	SectionSummary     = "summary"
	SectionMainFactors = "main_factors"
)

// DecisionFacts is the subset of a decision event copied into a report.
type DecisionFacts struct {
	DecisionEventID string
	DecisionID      string
	OccurredAt      time.Time
	ModelID         string
	ModelVersion    string
	FinalDecision   map[string]any
}

// ExplanationEvidence is the opaque evidence produced for a decision.
type ExplanationEvidence struct {
	ExplanationID string
	Evidence      map[string]any
}

type Builder struct {
	templates config.Templates
}

func New(templates config.Templates) *Builder {
	return &Builder{templates: templates}
}

// Build produces a schema-valid body. Evidence item ids are mf_0..mf_n-1 in
// the order of the evidence's main factors. A *reportdoc.ValidationError
// means the upstream facts or evidence do not fit the document schema.
func (b *Builder) Build(templateID string, facts DecisionFacts, ex ExplanationEvidence) (reportdoc.Body, error) {
	tpl, ok := b.templates.Get(templateID)
	if !ok {
		return reportdoc.Body{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}

	evidence := ex.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	factors := mainFactors(evidence)

	evidenceItems := make([]map[string]any, 0, len(factors))
	listItems := make([]map[string]any, 0, len(factors))
	for i, factor := range factors {
		id := fmt.Sprintf("mf_%d", i)
		evidenceItems = append(evidenceItems, map[string]any{
			"id":      id,
			"kind":    reportdoc.EvidenceKindMainFactor,
			"payload": factor,
		})
		listItems = append(listItems, map[string]any{
			"text":         fmt.Sprintf(tpl.FactorFormat, factor["feature"], direction(factor), factor["importance"]),
			"evidence_ids": []string{id},
		})
	}

	finalDecision := facts.FinalDecision
	if finalDecision == nil {
		finalDecision = map[string]any{}
	}

	raw := map[string]any{
		"schema_version":    reportdoc.SchemaVersion,
		"template_id":       templateID,
		"decision_event_id": facts.DecisionEventID,
		"explanation_id":    ex.ExplanationID,
		"facts": map[string]any{
			"decision_id":    facts.DecisionID,
			"occurred_at":    facts.OccurredAt.UTC().Format(time.RFC3339Nano),
			"model":          map[string]any{"model_id": facts.ModelID, "model_version": facts.ModelVersion},
			"final_decision": finalDecision,
		},
		"explanation": evidence,
		"sections": []any{
			map[string]any{
				"id":    SectionSummary,
				"title": tpl.SummaryTitle,
				"blocks": []any{
					map[string]any{"type": "text", "text": fmt.Sprintf(tpl.SummaryFormat, decisionLabel(finalDecision)), "evidence_ids": []string{}},
				},
			},
			map[string]any{
				"id":    SectionMainFactors,
				"title": tpl.FactorsTitle,
				"blocks": []any{
					map[string]any{"type": "list", "items": listItems},
				},
			},
		},
		"evidence_items": evidenceItems,
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return reportdoc.Body{}, fmt.Errorf("encode built report: %w", err)
	}
	return reportdoc.Validate(encoded)
}

func mainFactors(evidence map[string]any) []map[string]any {
	raw, ok := evidence["main_factors"].([]any)
	if !ok {
		if typed, ok := evidence["main_factors"].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		factor, ok := item.(map[string]any)
		if !ok {
			// keep the slot so ids stay aligned; the schema rejects it
			factor = map[string]any{"invalid": item}
		}
		out = append(out, factor)
	}
	return out
}

func direction(factor map[string]any) any {
	if d, ok := factor["direction"]; ok && d != nil {
		return d
	}
	return reportdoc.DirectionUnknown
}

// decisionLabel returns the final decision's label, or the whole payload
// rendered as JSON when there is no usable label.
func decisionLabel(finalDecision map[string]any) string {
	if label, ok := finalDecision["label"]; ok && label != nil {
		if s := fmt.Sprint(label); s != "" {
			return s
		}
	}
	encoded, err := json.Marshal(finalDecision)
	if err != nil {
		return fmt.Sprint(finalDecision)
	}
	return string(encoded)
}
