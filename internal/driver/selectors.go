// Package driver automates the generation page through a browser Surface.
// Concrete surfaces live in the chromedp and playwright subpackages.
package driver

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed selectors.yaml
var defaultSelectors []byte

// Selectors holds ordered fallback chains for every page element the driver touches.
type Selectors struct {
	PageURL          string              `yaml:"page_url"`
	PromptInput      []string            `yaml:"prompt_input"`
	GenerateButton   []string            `yaml:"generate_button"`
	AspectRatios     map[string][]string `yaml:"aspect_ratios"`
	Queueing         []string            `yaml:"queueing"`
	Generating       []string            `yaml:"generating"`
	PromptError      []string            `yaml:"prompt_error"`
	GeneratedImages  []string            `yaml:"generated_images"`
	Points           []string            `yaml:"points"`
	InsufficientText []string            `yaml:"insufficient_text"`
	ImageSrcContains string              `yaml:"image_src_contains"`
}

// DefaultSelectors returns the embedded selector table.
func DefaultSelectors() (Selectors, error) {
	var sel Selectors
	if err := yaml.Unmarshal(defaultSelectors, &sel); err != nil {
		return Selectors{}, fmt.Errorf("decode embedded selectors: %w", err)
	}
	return sel, nil
}

// LoadSelectors reads an override file on top of the embedded defaults. Keys
// missing from the file keep their default chains. An empty path returns the
// defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel, err := DefaultSelectors()
	if err != nil {
		return Selectors{}, err
	}
	if path == "" {
		return sel, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Selectors{}, fmt.Errorf("read selectors %s: %w", path, err)
	}
	var override Selectors
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Selectors{}, fmt.Errorf("decode selectors %s: %w", path, err)
	}
	sel.merge(override)
	if err := sel.Validate(); err != nil {
		return Selectors{}, fmt.Errorf("selectors %s: %w", path, err)
	}
	return sel, nil
}

// Validate checks the chains the driver cannot work without.
func (s Selectors) Validate() error {
	switch {
	case s.PageURL == "":
		return errors.New("page_url is required")
	case len(s.PromptInput) == 0:
		return errors.New("prompt_input needs at least one selector")
	case len(s.GenerateButton) == 0:
		return errors.New("generate_button needs at least one selector")
	case len(s.GeneratedImages) == 0:
		return errors.New("generated_images needs at least one selector")
	}
	return nil
}

func (s *Selectors) merge(o Selectors) {
	if o.PageURL != "" {
		s.PageURL = o.PageURL
	}
	mergeChain(&s.PromptInput, o.PromptInput)
	mergeChain(&s.GenerateButton, o.GenerateButton)
	mergeChain(&s.Queueing, o.Queueing)
	mergeChain(&s.Generating, o.Generating)
	mergeChain(&s.PromptError, o.PromptError)
	mergeChain(&s.GeneratedImages, o.GeneratedImages)
	mergeChain(&s.Points, o.Points)
	mergeChain(&s.InsufficientText, o.InsufficientText)
	if o.ImageSrcContains != "" {
		s.ImageSrcContains = o.ImageSrcContains
	}
	for ratio, chain := range o.AspectRatios {
		if s.AspectRatios == nil {
			s.AspectRatios = make(map[string][]string)
		}
		s.AspectRatios[ratio] = chain
	}
}

func mergeChain(dst *[]string, src []string) {
	if len(src) > 0 {
		*dst = src
	}
}
