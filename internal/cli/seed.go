package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mossglen/hearth/internal/world"
)

// SeedFile is the YAML shape accepted by `hearth init`.
type SeedFile struct {
	Towns []struct {
		Name       string           `yaml:"name"`
		Population int64            `yaml:"population"`
		Prices     map[string]int64 `yaml:"prices"`
	} `yaml:"towns"`
	Agents []struct {
		Name       string           `yaml:"name"`
		Town       string           `yaml:"town"`
		Gold       int64            `yaml:"gold"`
		Reputation int64            `yaml:"reputation"`
		Inventory  map[string]int64 `yaml:"inventory"`
	} `yaml:"agents"`
}

// LoadSeed parses a seed file and builds the initial world document.
// Referenced towns must be declared; duplicate names are rejected.
func LoadSeed(path string) (*world.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	doc := world.NewDocument()
	for _, t := range seed.Towns {
		if t.Name == "" {
			return nil, fmt.Errorf("seed: town with empty name")
		}
		if _, dup := doc.Towns[t.Name]; dup {
			return nil, fmt.Errorf("seed: duplicate town %q", t.Name)
		}
		doc.Towns[t.Name] = &world.Town{
			Name:       t.Name,
			Population: t.Population,
			Prices:     t.Prices,
		}
	}
	for _, a := range seed.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("seed: agent with empty name")
		}
		if _, dup := doc.Agents[a.Name]; dup {
			return nil, fmt.Errorf("seed: duplicate agent %q", a.Name)
		}
		if a.Town != "" {
			if _, ok := doc.Towns[a.Town]; !ok {
				return nil, fmt.Errorf("seed: agent %q references unknown town %q", a.Name, a.Town)
			}
		}
		doc.Agents[a.Name] = &world.Agent{
			Name:       a.Name,
			Town:       a.Town,
			Gold:       a.Gold,
			Reputation: a.Reputation,
			Inventory:  a.Inventory,
		}
	}

	if report := doc.CheckIntegrity(); !report.OK {
		return nil, fmt.Errorf("seed produces invalid world: %v", report.Errors)
	}
	return doc, nil
}
