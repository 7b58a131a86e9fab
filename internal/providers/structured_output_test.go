package providers

import (
	"encoding/json"
	"testing"
)

func TestParseStructuredJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain object", `{"EpisodeName":"x"}`, `{"EpisodeName":"x"}`, false},
		{"code fence", "```json\n{\"ok\":true}\n```", `{"ok":true}`, false},
		{"surrounding prose", "Here you go:\n{\"a\":1}\nThanks!", `{"a":1}`, false},
		{"empty", "   ", "", true},
		{"not json", "the model refused", "", true},
		{"truncated", `{"EpisodeName": "x", "Topic": {`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStructuredJSON(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStructuredJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateStructuredJSON(t *testing.T) {
	schema := json.RawMessage(`{
		"name":"episode",
		"strict":true,
		"schema":{
			"type":"object",
			"properties":{"EpisodeName":{"type":"string","minLength":1}},
			"required":["EpisodeName"]
		}
	}`)

	if err := ValidateStructuredJSON(schema, json.RawMessage(`{"EpisodeName":"Daily"}`)); err != nil {
		t.Fatalf("ValidateStructuredJSON(valid) error = %v", err)
	}
	if err := ValidateStructuredJSON(schema, json.RawMessage(`{"Title":"Daily"}`)); err == nil {
		t.Fatal("expected missing EpisodeName to fail validation")
	}
	if err := ValidateStructuredJSON(nil, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("empty schema should be a no-op, got %v", err)
	}
}
