package catalog

import (
	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/ruleset"
)

// Ruleset versions for the built-in canonical rulesets.
const (
	CreateRulesetVersion = "create-2025.07"
	UpdateRulesetVersion = "update-2025.07"
)

// BuiltinRegistry returns a registry with every built-in rule class.
// Ruleset configuration documents resolve their class names here.
func BuiltinRegistry() *rule.Registry {
	reg := rule.NewRegistry()
	reg.Register("NameRule", NewNameRule)
	reg.Register("BrandNameRule", NewBrandNameRule)
	reg.Register("StrainNameRule", NewStrainNameRule)
	reg.Register("TagNamesRule", NewTagNamesRule)
	reg.Register("PriceRule", NewPriceRule)
	reg.Register("StatusRule", NewStatusRule)
	return reg
}

// defaultRules instantiates the full built-in rule list for a mode.
func defaultRules(mode Mode) []rule.Rule {
	params := rule.Params{"mode": string(mode)}
	mk := func(f rule.Factory, priority int) rule.Rule {
		r, err := f(params, priority)
		if err != nil {
			// built-in params are static; a failure here is a bug
			panic(err)
		}
		return r
	}
	return []rule.Rule{
		mk(NewNameRule, 10),
		mk(NewBrandNameRule, 20),
		mk(NewStrainNameRule, 20),
		mk(NewTagNamesRule, 20),
		mk(NewPriceRule, 30),
		mk(NewStatusRule, 40),
	}
}

// CreateRuleSet compiles the built-in create ruleset.
func CreateRuleSet(opts ...ruleset.Option) (*ruleset.RuleSet, error) {
	return ruleset.Compile(defaultRules(ModeCreate), CreateRulesetVersion, opts...)
}

// UpdateRuleSet compiles the built-in update ruleset.
func UpdateRuleSet(opts ...ruleset.Option) (*ruleset.RuleSet, error) {
	return ruleset.Compile(defaultRules(ModeUpdate), UpdateRulesetVersion, opts...)
}
