package render

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pedro-meseguer/xai-business/internal/config"
	"github.com/pedro-meseguer/xai-business/internal/reportdoc"
)

func sampleBody() reportdoc.Body {
	body := reportdoc.Body{
		SchemaVersion:   reportdoc.SchemaVersion,
		TemplateID:      config.DefaultTemplateID,
		DecisionEventID: "de_1",
		ExplanationID:   "ex_1",
		Facts: reportdoc.Facts{
			DecisionID:    "dec_1",
			OccurredAt:    time.Date(2026, 2, 12, 20, 0, 0, 0, time.UTC),
			Model:         reportdoc.ModelInfo{ModelID: "m1", ModelVersion: "1.0.0"},
			FinalDecision: map[string]any{"label": "denied"},
		},
		Sections: []reportdoc.Section{
			{ID: "summary", Title: "Resumen", Blocks: reportdoc.Blocks{
				&reportdoc.TextBlock{Text: "Decisión: denied."},
			}},
			{ID: "main_factors", Title: "Factores principales", Blocks: reportdoc.Blocks{
				&reportdoc.ListBlock{Items: []reportdoc.ListItem{
					{Text: "income (positive, importancia 0.3)", EvidenceIDs: []string{"mf_0"}},
				}},
			}},
		},
	}
	body.Normalize()
	return body
}

func TestRenderDefaultTemplate(t *testing.T) {
	r, err := New(config.DefaultTemplates())
	require.NoError(t, err)

	text, err := r.Render(config.DefaultTemplateID, sampleBody())
	require.NoError(t, err)

	want := "Informe de decisión\n" +
		"Decision: dec_1 (2026-02-12T20:00:00Z)\n" +
		"Modelo: m1 v1.0.0\n" +
		"\n## Resumen\n" +
		"Decisión: denied.\n" +
		"\n## Factores principales\n" +
		"- income (positive, importancia 0.3)\n"
	require.Equal(t, want, text)
}

func TestRenderIsPure(t *testing.T) {
	r, err := New(config.DefaultTemplates())
	require.NoError(t, err)
	body := sampleBody()

	first, err := r.Render(config.DefaultTemplateID, body)
	require.NoError(t, err)
	second, err := r.Render(config.DefaultTemplateID, body)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRenderCustomTemplate(t *testing.T) {
	templates, err := config.ParseTemplates([]byte(`
templates:
  - id: short_v1
    title: Short
    summary_title: S
    summary_format: "%s"
    factors_title: F
    factor_format: "%s %s %v"
    text: "{{upper .DecisionLabel}}{{range .Sections}}|{{.ID}}:{{len .Lines}}{{end}}"
`))
	require.NoError(t, err)
	r, err := New(templates)
	require.NoError(t, err)

	text, err := r.Render("short_v1", sampleBody())
	require.NoError(t, err)
	require.Equal(t, "DENIED|summary:1|main_factors:1", text)
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := New(config.DefaultTemplates())
	require.NoError(t, err)

	_, err = r.Render("nope", sampleBody())
	require.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestNewRejectsUnknownFunction(t *testing.T) {
	templates := config.DefaultTemplates()
	tpl := templates.ByID[config.DefaultTemplateID]
	tpl.Text = "{{shout .Title}}"
	templates.ByID[config.DefaultTemplateID] = tpl

	_, err := New(templates)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), config.DefaultTemplateID))
}

func TestBuildViewFlattensBlocks(t *testing.T) {
	view, err := BuildView("T", config.DefaultTemplateID, sampleBody())
	require.NoError(t, err)
	require.Equal(t, "denied", view.DecisionLabel)
	require.Len(t, view.Sections, 2)
	require.False(t, view.Sections[0].Lines[0].Bullet)
	require.True(t, view.Sections[1].Lines[0].Bullet)
}
