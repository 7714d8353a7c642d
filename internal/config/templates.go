package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultTemplateID = "generic_v1"

// Template configures how a report is built and rendered for one template id.
type Template struct {
	ID            string `yaml:"id"`
	Title         string `yaml:"title"`
	SummaryTitle  string `yaml:"summary_title"`
	SummaryFormat string `yaml:"summary_format"`
	FactorsTitle  string `yaml:"factors_title"`
	FactorFormat  string `yaml:"factor_format"`
	Text          string `yaml:"text"`
}

type Templates struct {
	ByID map[string]Template
}

// TextFuncs are the helpers available to a template's text body.
var TextFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}

type templatesFile struct {
	Templates []Template `yaml:"templates"`
}

const defaultText = `{{.Title}}
Decision: {{.DecisionID}} ({{.OccurredAt}})
Modelo: {{.ModelID}} v{{.ModelVersion}}
{{range .Sections}}
## {{.Title}}
{{range .Lines}}{{if .Bullet}}- {{end}}{{.Text}}
{{end}}{{end}}`

func DefaultTemplates() Templates {
	return Templates{ByID: map[string]Template{
		DefaultTemplateID: {
			ID:            DefaultTemplateID,
			Title:         "Informe de decisión",
			SummaryTitle:  "Resumen",
			SummaryFormat: "Decisión: %s.",
			FactorsTitle:  "Factores principales",
			FactorFormat:  "%s (%s, importancia %v)",
			Text:          defaultText,
		},
	}}
}

// LoadTemplates reads the template registry from a YAML file. An empty path
// yields the built-in registry.
func LoadTemplates(path string) (Templates, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTemplates(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Templates{}, fmt.Errorf("read templates file: %w", err)
	}
	return ParseTemplates(raw)
}

func ParseTemplates(raw []byte) (Templates, error) {
	var file templatesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Templates{}, fmt.Errorf("parse templates file: %w", err)
	}
	out := Templates{ByID: make(map[string]Template, len(file.Templates))}
	for _, tpl := range file.Templates {
		tpl.ID = strings.TrimSpace(tpl.ID)
		if _, dup := out.ByID[tpl.ID]; dup {
			return Templates{}, fmt.Errorf("duplicate template id %q", tpl.ID)
		}
		out.ByID[tpl.ID] = tpl
	}
	if err := out.Validate(); err != nil {
		return Templates{}, err
	}
	return out, nil
}

// Validate checks every template is complete and its text template parses.
func (t Templates) Validate() error {
	if len(t.ByID) == 0 {
		return fmt.Errorf("no templates configured")
	}
	for id, tpl := range t.ByID {
		if id == "" {
			return fmt.Errorf("template id is required")
		}
		if tpl.SummaryTitle == "" || tpl.FactorsTitle == "" {
			return fmt.Errorf("template %s: section titles are required", id)
		}
		if strings.Count(tpl.SummaryFormat, "%s") != 1 {
			return fmt.Errorf("template %s: summary_format must contain exactly one %%s", id)
		}
		if tpl.FactorFormat == "" {
			return fmt.Errorf("template %s: factor_format is required", id)
		}
		if _, err := template.New(id).Funcs(TextFuncs).Parse(tpl.Text); err != nil {
			return fmt.Errorf("template %s: parse text: %w", id, err)
		}
	}
	return nil
}

func (t Templates) Get(id string) (Template, bool) {
	tpl, ok := t.ByID[id]
	return tpl, ok
}

func (t Templates) IDs() []string {
	ids := make([]string, 0, len(t.ByID))
	for id := range t.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
