package hooks

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/sage/agenterr"
)

// File is the on-disk hooks document.
type File struct {
	Hooks []Hook `yaml:"hooks" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads and validates a hooks file.
func LoadConfig(path string) ([]Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a hooks document.
func ParseConfig(data []byte) ([]Hook, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfig, "hooks.parse", err)
	}
	if err := Validate(f.Hooks); err != nil {
		return nil, err
	}
	return f.Hooks, nil
}

// Validate checks hook definitions.
func Validate(hooks []Hook) error {
	for i, h := range hooks {
		if err := validate.Struct(h); err != nil {
			return agenterr.Wrap(agenterr.KindConfig, fmt.Sprintf("hooks[%d]", i), err)
		}
		if _, err := ParseEvent(string(h.Event)); err != nil {
			return agenterr.Wrap(agenterr.KindConfig, fmt.Sprintf("hooks[%d]", i), err)
		}
	}
	return nil
}
