package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultTemplatesValidate(t *testing.T) {
	if err := DefaultTemplates().Validate(); err != nil {
		t.Fatalf("default templates invalid: %v", err)
	}
}

func TestParseTemplates(t *testing.T) {
	raw := []byte(`
templates:
  - id: short_v1
    title: Decision report
    summary_title: Summary
    summary_format: "Outcome: %s"
    factors_title: Drivers
    factor_format: "%s (%s, %v)"
    text: "{{.Title}}"
`)
	tpls, err := ParseTemplates(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tpl, ok := tpls.Get("short_v1")
	if !ok {
		t.Fatal("expected short_v1 template")
	}
	if tpl.FactorsTitle != "Drivers" {
		t.Fatalf("unexpected factors title %q", tpl.FactorsTitle)
	}
	if ids := tpls.IDs(); len(ids) != 1 || ids[0] != "short_v1" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestParseTemplatesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "empty",
			raw:  "templates: []",
			want: "no templates configured",
		},
		{
			name: "duplicate",
			raw: `
templates:
  - {id: a, summary_title: S, summary_format: "%s", factors_title: F, factor_format: "%s", text: x}
  - {id: a, summary_title: S, summary_format: "%s", factors_title: F, factor_format: "%s", text: x}
`,
			want: "duplicate template id",
		},
		{
			name: "bad summary format",
			raw: `
templates:
  - {id: a, summary_title: S, summary_format: "none", factors_title: F, factor_format: "%s", text: x}
`,
			want: "summary_format",
		},
		{
			name: "bad text template",
			raw: `
templates:
  - {id: a, summary_title: S, summary_format: "%s", factors_title: F, factor_format: "%s", text: "{{.Title"}
`,
			want: "parse text",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTemplates([]byte(tc.raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadTemplatesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(`
templates:
  - {id: generic_v1, summary_title: S, summary_format: "%s", factors_title: F, factor_format: "%s", text: "ok"}
`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tpls, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := tpls.Get(DefaultTemplateID); !ok {
		t.Fatal("expected generic_v1")
	}

	builtin, err := LoadTemplates("")
	if err != nil {
		t.Fatalf("load builtin: %v", err)
	}
	if builtin.ByID[DefaultTemplateID].SummaryTitle != "Resumen" {
		t.Fatalf("unexpected builtin summary title %q", builtin.ByID[DefaultTemplateID].SummaryTitle)
	}
}
