package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads an ordered rule set from a YAML file:
//
//	rules:
//	  - match: {arch: aarch64}
//	    target_prefix: repos/el$releasever/arm
//	  - match: {arch: "*"}
//	    target_prefix: repos/default
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Table from YAML rule bytes.
func Parse(data []byte) (*Table, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("parse rules: no rules defined")
	}
	return NewTable(f.Rules)
}
