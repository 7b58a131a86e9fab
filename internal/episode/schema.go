package episode

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/newsreel/internal/providers"
)

// ErrMalformedOutput is returned when generation output is not a valid
// episode document.
var ErrMalformedOutput = errors.New("malformed model output")

// Schema is the JSON Schema every generated episode must satisfy: a title
// plus topics mapping sub topics to paragraph lists.
var Schema = json.RawMessage(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["EpisodeName"],
  "properties": {
    "EpisodeName": {"type": "string", "minLength": 1}
  },
  "additionalProperties": {
    "type": "object",
    "additionalProperties": {
      "type": "array",
      "items": {"type": "string"}
    }
  }
}`)

var compiledSchema = mustCompile(Schema)

func mustCompile(raw json.RawMessage) *jsonschema.Schema {
	s, err := providers.CompileSchema(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Document is a parsed episode.
type Document struct {
	Title  string
	Topics int
	Raw    json.RawMessage // normalized JSON
}

// Parse extracts and validates an episode document from model output.
// Errors wrap ErrMalformedOutput.
func Parse(content string) (*Document, error) {
	raw, err := providers.ParseStructuredJSON(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	if err := providers.ValidateAgainst(compiledSchema, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	var title string
	if err := json.Unmarshal(doc["EpisodeName"], &title); err != nil {
		return nil, fmt.Errorf("%w: EpisodeName: %w", ErrMalformedOutput, err)
	}
	return &Document{
		Title:  title,
		Topics: len(doc) - 1,
		Raw:    raw,
	}, nil
}
