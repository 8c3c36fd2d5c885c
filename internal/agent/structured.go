package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// citationSchema requires every Study response to carry a citations array.
const citationSchemaJSON = `{
	"type": "object",
	"required": ["answer", "citations"],
	"properties": {
		"answer": {"type": "string"},
		"citations": {"type": "array", "items": {"type": "string"}}
	}
}`

// StructuredValidator validates a Study agent's JSON response against the
// citation schema.
type StructuredValidator struct {
	schema *jsonschema.Schema
}

// NewStructuredValidator compiles the citation JSON Schema.
func NewStructuredValidator() (*StructuredValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(citationSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal citation schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("citations.json", doc); err != nil {
		return nil, fmt.Errorf("add citation schema resource: %w", err)
	}
	schema, err := c.Compile("citations.json")
	if err != nil {
		return nil, fmt.Errorf("compile citation schema: %w", err)
	}
	return &StructuredValidator{schema: schema}, nil
}

// citedResponse is the parsed shape of a Study agent response.
type citedResponse struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
}

// Validate extracts and schema-validates the JSON in responseText, then
// checks every citation id against the retrieved source set. A schema
// failure or an unsupported citation both surface as an error so the
// caller can fall back to the refusal path instead of retrying blindly.
func (sv *StructuredValidator) Validate(responseText string, sources []Source) (*citedResponse, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, fmt.Errorf("response does not contain valid JSON")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var cr citedResponse
	if err := json.Unmarshal([]byte(jsonStr), &cr); err != nil {
		return nil, fmt.Errorf("decode citation response: %w", err)
	}

	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s.ID] = true
	}
	for _, cite := range cr.Citations {
		if !known[cite] {
			return nil, fmt.Errorf("citation %q does not reference a retrieved source", cite)
		}
	}
	return &cr, nil
}

// extractJSON finds a JSON object in the response text, preferring a fenced
// ```json block over a bare object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if ch == '{' {
			depth++
		} else if ch == '}' {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
