// Package strategy holds the built-in signal generators and the YAML preset
// catalog that binds a strategy type to its instrument and risk settings.
package strategy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/pkg/broker"
)

// Preset is one entry of the strategies catalog.
type Preset struct {
	ID          string             `yaml:"id" json:"id"`
	Name        string             `yaml:"name" json:"name"`
	Type        string             `yaml:"type" json:"type"`
	Symbol      string             `yaml:"symbol" json:"symbol"`
	Exchange    string             `yaml:"exchange" json:"exchange"`
	Size        int                `yaml:"size" json:"size"`
	DailyTarget float64            `yaml:"daily_target" json:"daily_target"`
	MaxRisk     float64            `yaml:"max_risk" json:"max_risk"`
	TickSize    float64            `yaml:"tick_size" json:"tick_size"`
	TickValue   float64            `yaml:"tick_value" json:"tick_value"`
	Params      map[string]float64 `yaml:"params" json:"params,omitempty"`
}

type catalogFile struct {
	Strategies []Preset `yaml:"strategies"`
}

// Catalog is the loaded preset set plus the builder registry.
type Catalog struct {
	mu      sync.RWMutex
	presets map[string]Preset
}

// LoadCatalog reads the presets file. A missing file yields an empty catalog
// rather than an error: presets are optional, ad-hoc engine configs still
// work.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{presets: make(map[string]Preset)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read strategies file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}
	for _, p := range file.Strategies {
		if p.ID == "" {
			return nil, fmt.Errorf("strategy preset without id in %s", path)
		}
		if _, ok := builders[p.Type]; !ok {
			return nil, fmt.Errorf("strategy preset %s: unknown type %q", p.ID, p.Type)
		}
		c.presets[p.ID] = p
	}
	return c, nil
}

// Get returns one preset by id.
func (c *Catalog) Get(id string) (Preset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.presets[id]
	return p, ok
}

// List returns all presets sorted by id.
func (c *Catalog) List() []Preset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Preset, 0, len(c.presets))
	for _, p := range c.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build instantiates the preset's signal generator.
func (c *Catalog) Build(id string) (broker.Strategy, Preset, error) {
	p, ok := c.Get(id)
	if !ok {
		return nil, Preset{}, fmt.Errorf("unknown strategy preset %q", id)
	}
	builder := builders[p.Type]
	if builder == nil {
		return nil, Preset{}, fmt.Errorf("strategy preset %s: unknown type %q", p.ID, p.Type)
	}
	return builder(p), p, nil
}

// Builder creates a fresh strategy instance from a preset. Instances carry
// per-session state and must never be shared between engines.
type Builder func(p Preset) broker.Strategy

var builders = map[string]Builder{
	"momentum": newMomentum,
	"breakout": newBreakout,
}

// Types returns the registered strategy type names.
func Types() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// param reads a named parameter with a default.
func (p Preset) param(name string, def float64) float64 {
	if v, ok := p.Params[name]; ok {
		return v
	}
	return def
}
