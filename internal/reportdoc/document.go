// Package reportdoc defines the report document body and its closed,
// schema-versioned validation.
package reportdoc

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	SchemaVersion     = "1.0"
	DefaultTemplateID = "generic_v1"

	EvidenceKindMainFactor = "main_factor"
	DirectionUnknown       = "unknown"
	EvidenceTypeStub       = "stub"
)

// Body is the validated report document.
type Body struct {
	SchemaVersion   string         `json:"schema_version"`
	TemplateID      string         `json:"template_id"`
	DecisionEventID string         `json:"decision_event_id"`
	ExplanationID   string         `json:"explanation_id"`
	Facts           Facts          `json:"facts"`
	Explanation     Evidence       `json:"explanation"`
	Sections        []Section      `json:"sections"`
	EvidenceItems   []EvidenceItem `json:"evidence_items"`
}

type ModelInfo struct {
	ModelID      string `json:"model_id"`
	ModelVersion string `json:"model_version"`
}

// Facts is the snapshot of the source decision taken at creation time.
type Facts struct {
	DecisionID    string         `json:"decision_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Model         ModelInfo      `json:"model"`
	FinalDecision map[string]any `json:"final_decision"`
}

type MainFactor struct {
	Feature    string  `json:"feature"`
	Direction  string  `json:"direction"`
	Importance float64 `json:"importance"`
}

// Evidence is the explanation snapshot taken at creation time.
type Evidence struct {
	Type        string       `json:"type"`
	MainFactors []MainFactor `json:"main_factors"`
}

type Section struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Blocks Blocks `json:"blocks"`
}

type EvidenceItem struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

type BlockKind string

const (
	BlockText BlockKind = "text"
	BlockList BlockKind = "list"
)

// Block is a closed union: *TextBlock or *ListBlock.
type Block interface {
	Kind() BlockKind
	References() []string
	isBlock()
}

type TextBlock struct {
	Text        string   `json:"text"`
	EvidenceIDs []string `json:"evidence_ids"`
}

type ListItem struct {
	Text        string   `json:"text"`
	EvidenceIDs []string `json:"evidence_ids"`
}

type ListBlock struct {
	Items []ListItem `json:"items"`
}

func (*TextBlock) Kind() BlockKind { return BlockText }
func (*ListBlock) Kind() BlockKind { return BlockList }
func (*TextBlock) isBlock()        {}
func (*ListBlock) isBlock()        {}

func (b *TextBlock) References() []string { return b.EvidenceIDs }

func (b *ListBlock) References() []string {
	var refs []string
	for _, item := range b.Items {
		refs = append(refs, item.EvidenceIDs...)
	}
	return refs
}

type Blocks []Block

type textBlockJSON struct {
	Type        BlockKind `json:"type"`
	Text        string    `json:"text"`
	EvidenceIDs []string  `json:"evidence_ids"`
}

type listBlockJSON struct {
	Type  BlockKind  `json:"type"`
	Items []ListItem `json:"items"`
}

func (bs Blocks) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(bs))
	for i, block := range bs {
		switch b := block.(type) {
		case *TextBlock:
			out = append(out, textBlockJSON{Type: BlockText, Text: b.Text, EvidenceIDs: nonNilStrings(b.EvidenceIDs)})
		case *ListBlock:
			items := make([]ListItem, 0, len(b.Items))
			for _, item := range b.Items {
				items = append(items, ListItem{Text: item.Text, EvidenceIDs: nonNilStrings(item.EvidenceIDs)})
			}
			out = append(out, listBlockJSON{Type: BlockList, Items: items})
		default:
			return nil, fmt.Errorf("block %d: unsupported block %T", i, block)
		}
	}
	return json.Marshal(out)
}

func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for i, raw := range raws {
		var tag struct {
			Type BlockKind `json:"type"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		switch tag.Type {
		case BlockText:
			var b textBlockJSON
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			out = append(out, &TextBlock{Text: b.Text, EvidenceIDs: nonNilStrings(b.EvidenceIDs)})
		case BlockList:
			var b listBlockJSON
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
			items := make([]ListItem, 0, len(b.Items))
			for _, item := range b.Items {
				items = append(items, ListItem{Text: item.Text, EvidenceIDs: nonNilStrings(item.EvidenceIDs)})
			}
			out = append(out, &ListBlock{Items: items})
		default:
			return fmt.Errorf("block %d: unknown block type %q", i, tag.Type)
		}
	}
	*bs = out
	return nil
}

// Normalize fills defaults and replaces nil collections so that the encoded
// form always satisfies the schema's array types.
func (b *Body) Normalize() {
	if b.SchemaVersion == "" {
		b.SchemaVersion = SchemaVersion
	}
	if b.TemplateID == "" {
		b.TemplateID = DefaultTemplateID
	}
	if b.Facts.FinalDecision == nil {
		b.Facts.FinalDecision = map[string]any{}
	}
	if b.Explanation.Type == "" {
		b.Explanation.Type = EvidenceTypeStub
	}
	if b.Explanation.MainFactors == nil {
		b.Explanation.MainFactors = []MainFactor{}
	}
	for i := range b.Explanation.MainFactors {
		if b.Explanation.MainFactors[i].Direction == "" {
			b.Explanation.MainFactors[i].Direction = DirectionUnknown
		}
	}
	if b.Sections == nil {
		b.Sections = []Section{}
	}
	for i := range b.Sections {
		if b.Sections[i].Blocks == nil {
			b.Sections[i].Blocks = Blocks{}
		}
		for _, block := range b.Sections[i].Blocks {
			switch blk := block.(type) {
			case *TextBlock:
				blk.EvidenceIDs = nonNilStrings(blk.EvidenceIDs)
			case *ListBlock:
				if blk.Items == nil {
					blk.Items = []ListItem{}
				}
				for j := range blk.Items {
					blk.Items[j].EvidenceIDs = nonNilStrings(blk.Items[j].EvidenceIDs)
				}
			}
		}
	}
	if b.EvidenceItems == nil {
		b.EvidenceItems = []EvidenceItem{}
	}
	for i := range b.EvidenceItems {
		if b.EvidenceItems[i].Kind == "" {
			b.EvidenceItems[i].Kind = EvidenceKindMainFactor
		}
		if b.EvidenceItems[i].Payload == nil {
			b.EvidenceItems[i].Payload = map[string]any{}
		}
	}
}

// Encode serialises a body after normalising it.
func Encode(b Body) ([]byte, error) {
	b.Normalize()
	return json.Marshal(b)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
