package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DecisionSchema is the JSON schema the model is asked to answer with.
const DecisionSchema = `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["included", "maybe", "excluded"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reason": {"type": "string"},
    "suggested_tags": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["status", "confidence", "reason", "suggested_tags"],
  "additionalProperties": false
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func decisionSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("decision.json", strings.NewReader(DecisionSchema)); err != nil {
			compileErr = fmt.Errorf("failed to load decision schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("decision.json")
	})
	return compiledSchema, compileErr
}

type decision struct {
	Status        string   `json:"status"`
	Confidence    float64  `json:"confidence"`
	Reason        string   `json:"reason"`
	SuggestedTags []string `json:"suggested_tags"`
}

// ParseDecision validates raw model content against DecisionSchema and
// converts it into an Entry for key. Content wrapped in prose or a code
// fence is tolerated as long as a single JSON object can be extracted.
func ParseDecision(key string, content []byte) (Entry, error) {
	raw := extractObject(content)
	if len(raw) == 0 {
		return Entry{}, fmt.Errorf("no JSON object in model content for %s", key)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Entry{}, fmt.Errorf("decode decision for %s: %w", key, err)
	}
	schema, err := decisionSchema()
	if err != nil {
		return Entry{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Entry{}, fmt.Errorf("decision for %s does not match schema: %w", key, err)
	}

	var d decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Entry{}, fmt.Errorf("decode decision for %s: %w", key, err)
	}
	return Entry{
		Key:           key,
		Status:        ParseStatus(d.Status),
		Confidence:    ClampConfidence(d.Confidence),
		Reason:        strings.TrimSpace(d.Reason),
		SuggestedTags: d.SuggestedTags,
	}, nil
}

func extractObject(content []byte) []byte {
	trimmed := bytes.TrimSpace(content)
	start := bytes.IndexByte(trimmed, '{')
	end := bytes.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return nil
	}
	return trimmed[start : end+1]
}
