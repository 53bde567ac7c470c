package fraud

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy tunes the screening rules per deployment. Zero values fall back to
// the caller's configured defaults.
type Policy struct {
	MaxCostPerTransaction uint64            `yaml:"maxCostPerTransaction"`
	MaxTransactionSize    int               `yaml:"maxTransactionSize"`
	ProgramBudgets        map[string]uint64 `yaml:"programBudgets"`
	SupportedAssets       []string          `yaml:"supportedAssets"`
}

// LoadPolicy reads a YAML policy file. A missing path returns an empty
// policy so deployments without overrides need no file at all.
func LoadPolicy(path string) (Policy, error) {
	var policy Policy
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return policy, fmt.Errorf("fraud: read policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("fraud: parse policy: %w", err)
	}
	for program, budget := range policy.ProgramBudgets {
		if budget == 0 {
			return Policy{}, fmt.Errorf("fraud: policy budget for program %s must be positive", program)
		}
	}
	return policy, nil
}
