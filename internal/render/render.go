// Package render turns a validated report body into plain text using the
// template registry.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/config"
	"github.com/pedro-meseguer/xai-business/internal/reportdoc"
)

var ErrUnknownTemplate = errors.New("unknown template")

// Line is one rendered line of a section.
type Line struct {
	Bullet bool
	Text   string
}

type SectionView struct {
	ID    string
	Title string
	Lines []Line
}

// View is the data handed to a template's text body.
type View struct {
	Title         string
	TemplateID    string
	DecisionID    string
	OccurredAt    string
	ModelID       string
	ModelVersion  string
	DecisionLabel string
	Sections      []SectionView
}

type Renderer struct {
	compiled map[string]*template.Template
	titles   map[string]string
}

// New compiles every template's text body up front so that a bad registry
// fails at startup rather than on the first render.
func New(templates config.Templates) (*Renderer, error) {
	r := &Renderer{
		compiled: make(map[string]*template.Template, len(templates.ByID)),
		titles:   make(map[string]string, len(templates.ByID)),
	}
	for id, tpl := range templates.ByID {
		parsed, err := template.New(id).Funcs(config.TextFuncs).Option("missingkey=error").Parse(tpl.Text)
		if err != nil {
			return nil, fmt.Errorf("compile template %s: %w", id, err)
		}
		r.compiled[id] = parsed
		r.titles[id] = tpl.Title
	}
	return r, nil
}

// Render is a pure function of (templateID, body).
func (r *Renderer) Render(templateID string, body reportdoc.Body) (string, error) {
	tpl, ok := r.compiled[templateID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	view, err := BuildView(r.titles[templateID], templateID, body)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render template %s: %w", templateID, err)
	}
	return buf.String(), nil
}

func BuildView(title, templateID string, body reportdoc.Body) (View, error) {
	view := View{
		Title:        title,
		TemplateID:   templateID,
		DecisionID:   body.Facts.DecisionID,
		OccurredAt:   body.Facts.OccurredAt.UTC().Format(time.RFC3339),
		ModelID:      body.Facts.Model.ModelID,
		ModelVersion: body.Facts.Model.ModelVersion,
		Sections:     make([]SectionView, 0, len(body.Sections)),
	}
	if label, ok := body.Facts.FinalDecision["label"]; ok && label != nil {
		view.DecisionLabel = fmt.Sprint(label)
	}
	for _, section := range body.Sections {
		sv := SectionView{ID: section.ID, Title: section.Title}
		for _, block := range section.Blocks {
			lines, err := blockLines(block)
			if err != nil {
				return View{}, fmt.Errorf("section %s: %w", section.ID, err)
			}
			sv.Lines = append(sv.Lines, lines...)
		}
		view.Sections = append(view.Sections, sv)
	}
	return view, nil
}

func blockLines(block reportdoc.Block) ([]Line, error) {
	switch b := block.(type) {
	case *reportdoc.TextBlock:
		return []Line{{Text: b.Text}}, nil
	case *reportdoc.ListBlock:
		lines := make([]Line, 0, len(b.Items))
		for _, item := range b.Items {
			lines = append(lines, Line{Bullet: true, Text: item.Text})
		}
		return lines, nil
	default:
		return nil, fmt.Errorf("unsupported block %T", block)
	}
}
