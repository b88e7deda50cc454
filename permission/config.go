package permission

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/sage/agenterr"
)

// RulesFile is the on-disk rules document.
type RulesFile struct {
	Rules []Rule `yaml:"rules" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadRules reads a rules file. The error wraps fs.ErrNotExist when the
// file is missing.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates a rules document.
func ParseRules(data []byte) ([]Rule, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfig, "permission.parse", err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfig, "permission.validate", err)
	}
	return f.Rules, nil
}
