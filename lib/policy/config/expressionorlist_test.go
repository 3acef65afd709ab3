package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	yaml "sigs.k8s.io/yaml/goyaml.v3"
)

// Rules as they appear in heuristic policy documents.
var (
	reasoningAny = ExpressionOrList{Any: []string{`answer.contains("因为")`, `answer.contains("所以")`}}
	negationAll  = ExpressionOrList{All: []string{`answer.startsWith("不")`, `size(answer) <= 20`}}
	singleAll    = ExpressionOrList{All: []string{`answer.contains("但是")`}}
)

func TestExpressionOrListMarshal(t *testing.T) {
	for _, tt := range []struct {
		name string
		in   ExpressionOrList
		json string
		yaml string
	}{
		{
			name: "bare expression stays a string",
			in:   ExpressionOrList{Expression: `answer == "不是"`},
			json: `"answer == \"不是\""`,
			yaml: `answer == "不是"`,
		},
		{
			name: "reasoning connectives",
			in:   reasoningAny,
			json: `{"any":["answer.contains(\"因为\")","answer.contains(\"所以\")"]}`,
			yaml: "any:\n    - answer.contains(\"因为\")\n    - answer.contains(\"所以\")",
		},
		{
			name: "short negation",
			in:   negationAll,
			// encoding/json escapes < for HTML.
			json: `{"all":["answer.startsWith(\"不\")","size(answer) \u003c= 20"]}`,
			yaml: "all:\n    - answer.startsWith(\"不\")\n    - size(answer) <= 20",
		},
		{
			name: "one-clause list collapses",
			in:   singleAll,
			json: `"answer.contains(\"但是\")"`,
			yaml: `answer.contains("但是")`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			gotJSON, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatal(err)
			}

			if string(gotJSON) != tt.json {
				t.Logf("wanted: %s", tt.json)
				t.Logf("got:    %s", gotJSON)
				t.Error("mismatched JSON output")
			}

			gotYAML, err := yaml.Marshal(tt.in)
			if err != nil {
				t.Fatal(err)
			}

			if got := string(bytes.TrimSpace(gotYAML)); got != tt.yaml {
				t.Logf("wanted: %q", tt.yaml)
				t.Logf("got:    %q", got)
				t.Error("mismatched YAML output")
			}

			var back ExpressionOrList
			if err := json.Unmarshal(gotJSON, &back); err != nil {
				t.Fatal(err)
			}

			if err := back.Valid(); err != nil {
				t.Errorf("marshalled rule is no longer valid: %v", err)
			}
		})
	}
}

func TestExpressionOrListUnmarshalJSON(t *testing.T) {
	for _, tt := range []struct {
		name     string
		inp      string
		err      error
		validErr error
		result   *ExpressionOrList
	}{
		{
			name: "bare expression",
			inp:  `"answer.contains(\"不是\")"`,
			result: &ExpressionOrList{
				Expression: `answer.contains("不是")`,
			},
		},
		{
			name:   "any of the reasoning connectives",
			inp:    `{"any": ["answer.contains(\"因为\")", "answer.contains(\"所以\")"]}`,
			result: &reasoningAny,
		},
		{
			name:   "all of a short negation",
			inp:    `{"all": ["answer.startsWith(\"不\")", "size(answer) <= 20"]}`,
			result: &negationAll,
		},
		{
			name: "all and any together",
			inp: `{
			"all": ["answer.startsWith(\"不\")"],
			"any": ["answer.contains(\"因为\")"]
			}`,
			validErr: ErrExpressionCantHaveBoth,
		},
		{
			name:     "empty any",
			inp:      `{"any": []}`,
			validErr: ErrExpressionEmpty,
		},
		{
			name:     "number",
			inp:      `42`,
			err:      ErrExpressionOrListMustBeStringOrObject,
			validErr: ErrExpressionEmpty,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var eol ExpressionOrList

			if err := json.Unmarshal([]byte(tt.inp), &eol); !errors.Is(err, tt.err) {
				t.Errorf("wanted unmarshal error: %v but got: %v", tt.err, err)
			}

			if tt.result != nil && !eol.Equal(tt.result) {
				t.Logf("wanted: %#v", tt.result)
				t.Logf("got:    %#v", &eol)
				t.Fatal("parsed expression is not what was expected")
			}

			if err := eol.Valid(); !errors.Is(err, tt.validErr) {
				t.Errorf("wanted validation error: %v but got: %v", tt.validErr, err)
			}
		})
	}
}
