package scenario

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type fileEntry struct {
	Scenario  `mapstructure:",squash"`
	Fallbacks []string `mapstructure:"fallbacks"`
}

// LoadFile merges scenarios from a YAML/JSON/TOML file into the catalog.
// Entries with an existing id replace the built-in definition.
//
//	scenarios:
//	  - id: discovery-call
//	    name: Discovery Call
//	    persona_prompt: ...
//	    opening_line: ...
//	    fallbacks: ["...", "..."]
func LoadFile(c *Catalog, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return 0, fmt.Errorf("read scenarios file: %w", err)
	}

	var entries []fileEntry
	if err := v.UnmarshalKey("scenarios", &entries); err != nil {
		return 0, fmt.Errorf("decode scenarios file: %w", err)
	}

	for i, e := range entries {
		if e.Difficulty == "" {
			e.Difficulty = DifficultyMedium
		}
		if err := c.Add(e.Scenario); err != nil {
			return i, fmt.Errorf("scenarios[%d]: %w", i, err)
		}
		if len(e.Fallbacks) > 0 {
			c.SetFallbacks(e.ID, e.Fallbacks)
		}
	}
	return len(entries), nil
}
