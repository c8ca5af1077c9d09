package questionnaire

import (
	"fmt"
	"strings"
)

// Builder collects answers progressively, one question at a time.
// It is not safe for concurrent use.
type Builder struct {
	defs    []Definition
	answers [][]string
}

// NewBuilder starts an empty questionnaire over defs.
func NewBuilder(defs []Definition) *Builder {
	answers := make([][]string, len(defs))
	for i, d := range defs {
		answers[i] = make([]string, len(d.Questions))
	}
	return &Builder{defs: defs, answers: answers}
}

// Sections returns the definitions the builder was created with.
func (b *Builder) Sections() []Definition {
	return b.defs
}

// SetAnswer records the answer to question q of section s. An empty answer
// clears a previous one.
func (b *Builder) SetAnswer(s, q int, answer string) error {
	if s < 0 || s >= len(b.defs) {
		return fmt.Errorf("section index %d out of range", s)
	}
	if q < 0 || q >= len(b.defs[s].Questions) {
		return fmt.Errorf("question index %d out of range for section %q", q, b.defs[s].Title)
	}
	b.answers[s][q] = strings.TrimSpace(answer)
	return nil
}

// AnswerFor returns the current answer to question q of section s.
func (b *Builder) AnswerFor(s, q int) string {
	if s < 0 || s >= len(b.answers) || q < 0 || q >= len(b.answers[s]) {
		return ""
	}
	return b.answers[s][q]
}

// Next returns the first unanswered question. ok is false when every
// question has an answer.
func (b *Builder) Next() (s, q int, ok bool) {
	for s := range b.answers {
		for q, a := range b.answers[s] {
			if a == "" {
				return s, q, true
			}
		}
	}
	return 0, 0, false
}

// Answered counts the questions with a non-empty answer.
func (b *Builder) Answered() int {
	n := 0
	for _, sec := range b.answers {
		for _, a := range sec {
			if a != "" {
				n++
			}
		}
	}
	return n
}

// Export returns the answered questions grouped by section, normalized.
func (b *Builder) Export() []Section {
	out := make([]Section, 0, len(b.defs))
	for s, d := range b.defs {
		sec := Section{Section: d.Title}
		for q, question := range d.Questions {
			sec.Responses = append(sec.Responses, Answer{
				SectionTitle: d.Title,
				Question:     question,
				Answer:       b.answers[s][q],
			})
		}
		out = append(out, sec)
	}
	return Normalize(out)
}
