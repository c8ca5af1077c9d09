package questionnaire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/council/internal/apperr"
)

// Normalize trims every field, drops unanswered responses and then drops
// sections left without responses. Missing SectionTitle fields are filled
// from the section. The input is not modified.
func Normalize(sections []Section) []Section {
	out := make([]Section, 0, len(sections))
	for _, s := range sections {
		title := strings.TrimSpace(s.Section)
		sec := Section{Section: title}
		for _, r := range s.Responses {
			a := Answer{
				SectionTitle: strings.TrimSpace(r.SectionTitle),
				Question:     strings.TrimSpace(r.Question),
				Answer:       strings.TrimSpace(r.Answer),
			}
			if a.Answer == "" {
				continue
			}
			if a.SectionTitle == "" {
				a.SectionTitle = title
			}
			sec.Responses = append(sec.Responses, a)
		}
		if len(sec.Responses) > 0 {
			out = append(out, sec)
		}
	}
	return out
}

// Group collects flat answers into sections keyed by SectionTitle, keeping
// first-seen section order.
func Group(answers []Answer) []Section {
	var out []Section
	idx := make(map[string]int)
	for _, a := range answers {
		title := strings.TrimSpace(a.SectionTitle)
		i, ok := idx[title]
		if !ok {
			i = len(out)
			idx[title] = i
			out = append(out, Section{Section: title})
		}
		out[i].Responses = append(out[i].Responses, a)
	}
	return out
}

// Validate checks a normalized questionnaire: at least one section, every
// section titled and holding at least one answered question.
func Validate(sections []Section) error {
	if len(sections) == 0 {
		return apperr.InvalidInput("questionnaire", "questionnaire has no answered questions")
	}
	for i, s := range sections {
		if s.Section == "" {
			return apperr.InvalidInput("questionnaire", "section %d has no title", i)
		}
		if len(s.Responses) == 0 {
			return apperr.InvalidInput("questionnaire", "section %q has no answers", s.Section)
		}
		for _, r := range s.Responses {
			if r.Question == "" {
				return apperr.InvalidInput("questionnaire", "section %q has an answer without a question", s.Section)
			}
			if r.Answer == "" {
				return apperr.InvalidInput("questionnaire", "question %q in %q is unanswered", r.Question, s.Section)
			}
		}
	}
	return nil
}

// Prepare normalizes and validates raw client input.
func Prepare(sections []Section) ([]Section, error) {
	n := Normalize(sections)
	if err := Validate(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Format renders sections in the worksheet format:
//
//	### Personal Context
//
//	Q: What is your occupation?
//	A: engineer
func Format(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s", s.Section)
		for _, r := range s.Responses {
			fmt.Fprintf(&b, "\n\nQ: %s\nA: %s", r.Question, r.Answer)
		}
	}
	return b.String()
}

// Template renders an unanswered worksheet for defs, suitable for filling in
// with an editor and reading back with ParseWorksheet.
func Template(defs []Definition) string {
	var b strings.Builder
	for i, d := range defs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s", d.Title)
		for _, q := range d.Questions {
			fmt.Fprintf(&b, "\n\nQ: %s\nA: ", q)
		}
	}
	b.WriteString("\n")
	return b.String()
}

// ParseWorksheet reads the Format layout back into normalized sections.
// Answers may span several lines. Text before the first heading is ignored.
func ParseWorksheet(text string) ([]Section, error) {
	var (
		sections []Section
		cur      *Section
		question strings.Builder
		answer   strings.Builder
		field    *strings.Builder
	)
	flush := func() {
		if cur != nil && question.Len() > 0 {
			cur.Responses = append(cur.Responses, Answer{
				SectionTitle: cur.Section,
				Question:     strings.TrimSpace(question.String()),
				Answer:       strings.TrimSpace(answer.String()),
			})
		}
		question.Reset()
		answer.Reset()
		field = nil
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "### "):
			flush()
			sections = append(sections, Section{Section: strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))})
			cur = &sections[len(sections)-1]
		case strings.HasPrefix(trimmed, "Q:"):
			flush()
			question.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "Q:")))
			field = &question
		case strings.HasPrefix(trimmed, "A:") && field == &question:
			answer.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "A:")))
			field = &answer
		case field != nil:
			if field.Len() > 0 {
				field.WriteString("\n")
			}
			field.WriteString(trimmed)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading worksheet: %w", err)
	}
	flush()
	return Prepare(sections)
}

// ImportPDF extracts the text layer of a PDF worksheet and parses it.
func ImportPDF(data []byte) ([]Section, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.InvalidInput("questionnaire.pdf", "not a readable PDF: %v", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return nil, apperr.InvalidInput("questionnaire.pdf", "extracting text: %v", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}
	return ParseWorksheet(string(text))
}
