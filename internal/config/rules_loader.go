package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BenignMalice/usltpm/internal/rules"
)

// ruleFile is the top-level YAML document shape: everything nests under
// a single universal_sl_tp_rules key (spec.md §6).
type ruleFile struct {
	UniversalSLTPRules rules.Document `yaml:"universal_sl_tp_rules"`
}

// LoadRules reads and parses the rule document at path. A missing file
// or parse failure is not fatal to the caller: it returns an error so
// the caller can log it and fall back to rules.BuiltinDefault() per
// spec.md §4.1's "never throws" failure mode — this package does not
// swallow the error itself, since only the caller knows whether a
// missing file is expected (first run) or a genuine misconfiguration.
func LoadRules(path string) (*rules.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return &doc.UniversalSLTPRules, nil
}
