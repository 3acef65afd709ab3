package policy

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/gasfree-labs/gasfree/lib/policy/config"
)

func TestDefaultPolicyMustParse(t *testing.T) {
	if _, err := LoadPoliciesOrDefault(t.Context(), ""); err != nil {
		t.Fatalf("can't parse config: %v", err)
	}
}

func TestMissingPolicyFile(t *testing.T) {
	if _, err := LoadPoliciesOrDefault(t.Context(), "/does/not/exist.yaml"); err == nil {
		t.Fatal("wanted an error for a missing policy file")
	}
}

func TestHeuristics(t *testing.T) {
	pc, err := LoadPoliciesOrDefault(t.Context(), "")
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		answer string
		action config.Action
		rule   string
	}{
		{
			name:   "blunt negation",
			answer: "不是",
			action: config.ActionHuman,
			rule:   "blunt-negation",
		},
		{
			name:   "long reasoning",
			answer: "因为冰是水在零度以下凝固形成的固体形态，所以冰不是液体，而是固体，这一点在物理学中有明确的定义和大量的实验支持。",
			action: config.ActionAutomated,
			rule:   "long-reasoning",
		},
		{
			name:   "short connective",
			answer: "虽然是鸟，但不会飞",
			action: config.ActionAutomated,
			rule:   "connectives",
		},
		{
			name:   "enumeration",
			answer: "首先，第二，最后",
			action: config.ActionAutomated,
			rule:   "enumeration",
		},
		{
			name:   "numbered list",
			answer: "1. 冰 2. 水",
			action: config.ActionAutomated,
			rule:   "enumeration",
		},
		{
			name:   "english negation",
			answer: "No, it's solid",
			action: config.ActionHuman,
			rule:   "blunt-negation",
		},
		{
			name:   "english reasoning",
			answer: "Ice is solid because it froze",
			action: config.ActionAutomated,
			rule:   "connectives",
		},
		{
			name:   "nothing matches",
			answer: "固体",
			action: config.ActionRandom,
			rule:   "default",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			action, rule := pc.Heuristics.Match(t.Context(), slog.Default(), Input{
				Question: "如果水是液体，那冰是液体吗？",
				Answer:   tt.answer,
			})

			if action != tt.action {
				t.Errorf("wanted action %s, got %s", tt.action, action)
			}

			if rule != tt.rule {
				t.Errorf("wanted rule %s, got %s", tt.rule, rule)
			}
		})
	}
}

func TestDegraded(t *testing.T) {
	pc, err := LoadPoliciesOrDefault(t.Context(), "")
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		answer string
		action config.Action
	}{
		{name: "short negation", answer: "不是", action: config.ActionHuman},
		{name: "short without negation", answer: "固体", action: config.ActionAutomated},
		{name: "long negation", answer: "不是，" + strings.Repeat("冰", 30), action: config.ActionAutomated},
		{name: "exactly twenty runes", answer: "不对" + strings.Repeat("冰", 18), action: config.ActionHuman},
	} {
		t.Run(tt.name, func(t *testing.T) {
			action, _ := pc.Degraded.Match(t.Context(), slog.Default(), Input{Answer: tt.answer})
			if action != tt.action {
				t.Errorf("wanted action %s, got %s", tt.action, action)
			}
		})
	}
}

func TestMatchSkipsBrokenRules(t *testing.T) {
	pc, err := ParseConfig(t.Context(), strings.NewReader(`
questions:
  fallback: ["q？"]
classifier:
  rules:
    - name: broken
      action: AUTOMATED
      expression: int(answer) > 3
    - name: catch-all
      action: HUMAN
      expression: "true"
`), "broken")
	if err != nil {
		t.Fatal(err)
	}

	action, rule := pc.Heuristics.Match(t.Context(), slog.Default(), Input{Answer: "not a number"})
	if action != config.ActionHuman || rule != "catch-all" {
		t.Errorf("wanted catch-all HUMAN, got %s %s", rule, action)
	}
}

func TestNonBoolExpression(t *testing.T) {
	_, err := ParseConfig(t.Context(), strings.NewReader(`
questions:
  fallback: ["q？"]
classifier:
  rules:
    - name: length
      action: AUTOMATED
      expression: size(answer)
`), "non-bool")
	if err == nil {
		t.Fatal("wanted a non-bool expression to be rejected")
	}
}
