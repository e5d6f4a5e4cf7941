package achievement

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/epa-bot/epa/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Achievements []domain.Achievement `yaml:"achievements"`
}

// DefaultCatalog returns the built-in achievements.
func DefaultCatalog() []domain.Achievement {
	defs, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog: %v", err))
	}
	return defs
}

// LoadCatalog reads a YAML catalog from path. An empty path yields the
// built-in catalog.
func LoadCatalog(path string) ([]domain.Achievement, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(raw []byte) ([]domain.Achievement, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("achievement catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Achievements))
	for _, a := range f.Achievements {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate achievement %s", a.ID)
		}
		seen[a.ID] = true
	}
	return f.Achievements, nil
}
