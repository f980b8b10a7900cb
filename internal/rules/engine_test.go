package rules

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadDefaultRules(t *testing.T) {
	engine, _ := NewEngine(2)

	if err := engine.LoadRules(DefaultFlagRules()); err != nil {
		t.Fatalf("failed to load default rules: %v", err)
	}
	if engine.RulesCount() != len(DefaultFlagRules()) {
		t.Errorf("expected %d rules, got %d", len(DefaultFlagRules()), engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(2)
	_ = engine.LoadRules(DefaultFlagRules())

	tests := []struct {
		name string
		expr string
	}{
		{"syntax", "this is not valid CEL !!!"},
		{"unknown variable", "balance > 1.0"},
		{"non-bool", "velocity * 2.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.LoadRules([]domain.FlagRule{{ID: "bad", Expression: tt.expr, Enabled: true}})
			if err == nil {
				t.Error("expected error for invalid rule")
			}
			if engine.RulesCount() != len(DefaultFlagRules()) {
				t.Errorf("expected previous rules to stay loaded, got %d", engine.RulesCount())
			}
		})
	}
}

func TestDisabledRulesKeptButNotEvaluated(t *testing.T) {
	engine, _ := NewEngine(2)
	_ = engine.LoadRules([]domain.FlagRule{
		{ID: "on", Flag: "on", Expression: "true", Enabled: true},
		{ID: "off", Flag: "off", Expression: "true", Enabled: false},
	})

	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules, got %d", engine.RulesCount())
	}
	if engine.EnabledCount() != 1 {
		t.Errorf("expected 1 enabled rule, got %d", engine.EnabledCount())
	}
	got := engine.Rules()
	if len(got) != 2 || got[1].ID != "off" || got[1].Enabled {
		t.Errorf("expected disabled rule 'off' to be kept, got %v", got)
	}

	flags := engine.Evaluate(domain.FeatureVector{}, 0, 0)
	if len(flags) != 1 || flags[0] != "on" {
		t.Errorf("expected only flag 'on', got %v", flags)
	}

	t.Run("DisabledStillValidated", func(t *testing.T) {
		err := engine.LoadRules([]domain.FlagRule{{ID: "bad", Flag: "bad", Expression: "nope", Enabled: false}})
		if err == nil {
			t.Error("expected compile error for disabled rule")
		}
		if engine.RulesCount() != 2 {
			t.Errorf("expected previous rules to stay loaded, got %d", engine.RulesCount())
		}
	})
}

func TestEvaluate(t *testing.T) {
	engine, _ := NewEngine(2)
	_ = engine.LoadRules([]domain.FlagRule{
		{ID: "a", Flag: "high supervised", Expression: "supervised_risk >= 0.7", Enabled: true},
		{ID: "b", Flag: "funnel", Expression: "funnel > 0.4", Enabled: true},
		{ID: "c", Flag: "anomalous", Expression: "anomaly_score > 0.5", Enabled: true},
	})

	var fv domain.FeatureVector
	fv[14] = 0.5 // funnel

	flags := engine.Evaluate(fv, 0.9, 0.1)

	if len(flags) != 2 {
		t.Fatalf("expected 2 flags, got %v", flags)
	}
	if flags[0] != "high supervised" || flags[1] != "funnel" {
		t.Errorf("expected flags in load order, got %v", flags)
	}
}

func TestEvaluateNoRules(t *testing.T) {
	engine, _ := NewEngine(2)
	if flags := engine.Evaluate(domain.FeatureVector{}, 1, 1); flags != nil {
		t.Errorf("expected nil flags, got %v", flags)
	}
}

func TestValidateRule(t *testing.T) {
	engine, _ := NewEngine(2)

	if err := engine.ValidateRule(domain.FlagRule{ID: "ok", Expression: "automation > 0.5"}); err != nil {
		t.Errorf("expected valid rule, got %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Error("expected validation not to load the rule")
	}
}
