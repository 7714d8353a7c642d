package reportdoc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://xai-business.local/schemas/report/v1.json"

//go:embed schema_v1.json
var schemaV1 []byte

var compiledV1 = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaV1)); err != nil {
		panic(fmt.Sprintf("report schema load failed: %v", err))
	}
	return c.MustCompile(schemaURL)
}

// FieldError points at one structural problem in a document.
type FieldError struct {
	Location string `json:"loc"`
	Message  string `json:"msg"`
}

// ValidationError carries every field-level problem found in a document.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return "invalid report document"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Location, fe.Message))
	}
	return "invalid report document: " + strings.Join(parts, "; ")
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Validate checks raw against the current document schema and decodes it.
// Either the full body is returned or a *ValidationError; never both.
func Validate(raw []byte) (Body, error) {
	instance, err := decodeNumbers[any](raw)
	if err != nil {
		return Body{}, &ValidationError{Errors: []FieldError{{Location: "/", Message: "malformed JSON: " + err.Error()}}}
	}
	if err := compiledV1.Validate(instance); err != nil {
		var schemaErr *jsonschema.ValidationError
		if errors.As(err, &schemaErr) {
			return Body{}, &ValidationError{Errors: flatten(schemaErr)}
		}
		return Body{}, fmt.Errorf("validate report document: %w", err)
	}

	body, err := decodeNumbers[Body](raw)
	if err != nil {
		return Body{}, &ValidationError{Errors: []FieldError{{Location: "/", Message: err.Error()}}}
	}
	if dups := duplicateEvidenceIDs(body); len(dups) > 0 {
		return Body{}, &ValidationError{Errors: dups}
	}
	body.Normalize()
	return body, nil
}

// decodeNumbers keeps numbers as json.Number so the validator sees exact
// values and untyped payloads keep integers beyond float64 precision.
func decodeNumbers[T any](raw []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	if dec.More() {
		return out, errors.New("trailing data after document")
	}
	return out, nil
}

// ValidateBody re-checks an in-memory body by round-tripping it through the
// encoder, so that builder output passes the same gate as client input.
func ValidateBody(b Body) (Body, error) {
	raw, err := Encode(b)
	if err != nil {
		return Body{}, fmt.Errorf("encode report document: %w", err)
	}
	return Validate(raw)
}

// ReplaceSections returns the encoded body with its sections swapped for
// rawSections, leaving every other field untouched. The result still has to
// go through Validate.
func ReplaceSections(b Body, rawSections json.RawMessage) ([]byte, error) {
	encoded, err := Encode(b)
	if err != nil {
		return nil, fmt.Errorf("encode report document: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("decode report document: %w", err)
	}
	fields["sections"] = rawSections
	return json.Marshal(fields)
}

// DanglingReferences lists block references to evidence ids that are not in
// the document's evidence items.
func DanglingReferences(b Body) []FieldError {
	known := make(map[string]struct{}, len(b.EvidenceItems))
	for _, item := range b.EvidenceItems {
		known[item.ID] = struct{}{}
	}
	var out []FieldError
	for i, section := range b.Sections {
		for j, block := range section.Blocks {
			for _, ref := range block.References() {
				if _, ok := known[ref]; !ok {
					out = append(out, FieldError{
						Location: fmt.Sprintf("/sections/%d/blocks/%d", i, j),
						Message:  fmt.Sprintf("unknown evidence id %q", ref),
					})
				}
			}
		}
	}
	return out
}

func duplicateEvidenceIDs(b Body) []FieldError {
	seen := make(map[string]int, len(b.EvidenceItems))
	var out []FieldError
	for i, item := range b.EvidenceItems {
		if first, ok := seen[item.ID]; ok {
			out = append(out, FieldError{
				Location: fmt.Sprintf("/evidence_items/%d/id", i),
				Message:  fmt.Sprintf("duplicate evidence id %q (first at /evidence_items/%d)", item.ID, first),
			})
			continue
		}
		seen[item.ID] = i
	}
	return out
}

func flatten(root *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(*jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			loc := ve.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, FieldError{Location: loc, Message: ve.Message})
			return
		}
		for _, cause := range ve.Causes {
			walk(cause)
		}
	}
	walk(root)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}
