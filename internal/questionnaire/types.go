// Package questionnaire holds the fixed self-reflection questionnaire that
// seeds advisor generation: its sections, answer collection, normalization
// and the plain-text worksheet format.
package questionnaire

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Answer is one answered question.
type Answer struct {
	SectionTitle string `json:"sectionTitle"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
}

// Section groups the answers given on one questionnaire screen.
type Section struct {
	Section   string   `json:"section"`
	Responses []Answer `json:"responses"`
}

// Definition is a section of the questionnaire before it is answered.
type Definition struct {
	Title     string   `yaml:"title" json:"title"`
	Questions []string `yaml:"questions" json:"questions"`
}

//go:embed sections.yaml
var defaultSectionsYAML []byte

var defaultSections = mustParseDefinitions(defaultSectionsYAML)

// DefaultSections returns a copy of the built-in questionnaire.
func DefaultSections() []Definition {
	out := make([]Definition, len(defaultSections))
	for i, d := range defaultSections {
		out[i] = Definition{Title: d.Title, Questions: append([]string(nil), d.Questions...)}
	}
	return out
}

// ParseDefinitions reads a questionnaire definition in the sections.yaml
// layout. Every section needs a title and at least one question.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var doc struct {
		Sections []Definition `yaml:"sections"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing questionnaire definition: %w", err)
	}
	if len(doc.Sections) == 0 {
		return nil, fmt.Errorf("questionnaire definition has no sections")
	}
	for i, d := range doc.Sections {
		if d.Title == "" {
			return nil, fmt.Errorf("section %d has no title", i)
		}
		if len(d.Questions) == 0 {
			return nil, fmt.Errorf("section %q has no questions", d.Title)
		}
	}
	return doc.Sections, nil
}

func mustParseDefinitions(data []byte) []Definition {
	defs, err := ParseDefinitions(data)
	if err != nil {
		panic(err)
	}
	return defs
}
