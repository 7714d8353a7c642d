package reportdoc

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genStrings() gopter.Gen {
	return gen.SliceOfN(3, gen.AlphaString())
}

func genBlock() gopter.Gen {
	return gen.OneGenOf(
		gopter.CombineGens(gen.AlphaString(), genStrings()).Map(func(v []interface{}) Block {
			return &TextBlock{Text: v[0].(string), EvidenceIDs: v[1].([]string)}
		}),
		gen.SliceOfN(3, gopter.CombineGens(gen.AlphaString(), genStrings()).Map(func(v []interface{}) ListItem {
			return ListItem{Text: v[0].(string), EvidenceIDs: v[1].([]string)}
		})).Map(func(items []ListItem) Block {
			return &ListBlock{Items: items}
		}),
	)
}

func genSection() gopter.Gen {
	return gopter.CombineGens(gen.Identifier(), gen.AlphaString(), gen.SliceOfN(4, genBlock())).Map(func(v []interface{}) Section {
		raw := v[2].([]Block)
		return Section{ID: v[0].(string), Title: v[1].(string), Blocks: Blocks(raw)}
	})
}

func genFactor() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.OneConstOf("positive", "negative", "unknown"),
		gen.Float64Range(0, 10),
	).Map(func(v []interface{}) MainFactor {
		return MainFactor{Feature: v[0].(string), Direction: v[1].(string), Importance: v[2].(float64)}
	})
}

func genBody() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.Int64Range(0, 4102444800),
		gen.AlphaString(),
		gen.SliceOfN(5, genSection()),
		gen.SliceOfN(4, genFactor()),
	).Map(func(v []interface{}) Body {
		factors := v[4].([]MainFactor)
		items := make([]EvidenceItem, 0, len(factors))
		for i, f := range factors {
			items = append(items, EvidenceItem{
				ID:      fmt.Sprintf("mf_%d", i),
				Kind:    EvidenceKindMainFactor,
				Payload: map[string]any{"feature": f.Feature, "direction": f.Direction},
			})
		}
		body := Body{
			DecisionEventID: "de_" + v[0].(string),
			ExplanationID:   "ex_" + v[0].(string),
			Facts: Facts{
				DecisionID:    v[0].(string),
				OccurredAt:    time.Unix(v[1].(int64), 0).UTC(),
				Model:         ModelInfo{ModelID: "m1", ModelVersion: "1.0.0"},
				FinalDecision: map[string]any{"label": v[2].(string)},
			},
			Explanation:   Evidence{Type: EvidenceTypeStub, MainFactors: factors},
			Sections:      v[3].([]Section),
			EvidenceItems: items,
		}
		body.Normalize()
		return body
	})
}

func TestSchemaRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("validate(encode(body)) == body", prop.ForAll(
		func(body Body) bool {
			raw, err := Encode(body)
			if err != nil {
				return false
			}
			decoded, err := Validate(raw)
			if err != nil {
				return false
			}
			if !body.Facts.OccurredAt.Equal(decoded.Facts.OccurredAt) {
				return false
			}
			decoded.Facts.OccurredAt = body.Facts.OccurredAt
			return reflect.DeepEqual(body, decoded)
		},
		genBody(),
	))

	properties.TestingRun(t)
}
