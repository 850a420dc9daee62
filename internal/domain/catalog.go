package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelInfo describes one entry of the model catalog.
type ModelInfo struct {
	ID          string     `yaml:"id" json:"id"`
	Capability  Capability `yaml:"capability" json:"capability"`
	Engine      string     `yaml:"engine" json:"engine"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
}

// Catalog is the set of models the platform knows about. Admission uses it
// to distinguish MODEL_NOT_FOUND from a plan restriction.
type Catalog struct {
	models map[string]ModelInfo
	order  []string
}

// NewCatalog builds a catalog from model entries; later duplicates win.
func NewCatalog(models []ModelInfo) *Catalog {
	c := &Catalog{models: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		if _, seen := c.models[m.ID]; !seen {
			c.order = append(c.order, m.ID)
		}
		c.models[m.ID] = m
	}
	return c
}

// DefaultCatalog covers the models the stock worker images ship with.
func DefaultCatalog() *Catalog {
	return NewCatalog([]ModelInfo{
		{ID: "sdxl", Capability: CapabilityImage, Engine: "comfyui", Description: "Stable Diffusion XL"},
		{ID: "flux-schnell", Capability: CapabilityImage, Engine: "comfyui", Description: "Flux schnell"},
		{ID: "svd", Capability: CapabilityVideo, Engine: "comfyui", Description: "Stable Video Diffusion"},
		{ID: "llama3-8b", Capability: CapabilityText, Engine: "koboldcpp", Description: "Llama 3 8B instruct"},
		{ID: "voice-nova", Capability: CapabilityAudio, Engine: "whisper", Description: "Nova TTS voice"},
		{ID: "voice-echo", Capability: CapabilityAudio, Engine: "whisper", Description: "Echo TTS voice"},
	})
}

type catalogFile struct {
	Models []ModelInfo `yaml:"models"`
}

// LoadCatalog reads a YAML catalog file. An empty path yields the default
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=catalog.load: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=catalog.parse: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("op=catalog.parse: no models in %s", path)
	}
	return NewCatalog(f.Models), nil
}

// Lookup returns the model entry for id.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	m, ok := c.models[id]
	return m, ok
}

// All returns the catalog in declaration order.
func (c *Catalog) All() []ModelInfo {
	out := make([]ModelInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// ByCapability filters the catalog.
func (c *Catalog) ByCapability(cap Capability) []ModelInfo {
	var out []ModelInfo
	for _, id := range c.order {
		if m := c.models[id]; m.Capability == cap {
			out = append(out, m)
		}
	}
	return out
}

// Engine returns the engine for a model id, empty when unknown.
func (c *Catalog) Engine(id string) string {
	if m, ok := c.models[id]; ok {
		return m.Engine
	}
	return ""
}
