package advisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/council/internal/apperr"
	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/storage"
)

// Candidate is one suggested advisor, before the user selects it.
type Candidate struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Type          string `json:"type"`
	Why           string `json:"why"`
	Traditions    string `json:"traditions"`
	SpeakingStyle string `json:"speakingStyle"`
	BestSuitedFor string `json:"bestSuitedFor"`
}

// Generation is the decoded model output.
type Generation struct {
	InitialJustification string      `json:"initialJustification"`
	Advisors             []Candidate `json:"advisors"`
	FollowUp             string      `json:"followUp"`
}

// Decode parses model output strictly. Unknown keys, trailing data, missing
// or empty fields and unknown advisor types are all parse errors carrying
// the raw text.
func Decode(raw string) (*Generation, error) {
	dec := json.NewDecoder(strings.NewReader(llm.ExtractJSON(raw)))
	dec.DisallowUnknownFields()

	var g Generation
	if err := dec.Decode(&g); err != nil {
		return nil, apperr.Parse("advisor.decode", raw, fmt.Errorf("decoding advisors: %w", err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, apperr.Parse("advisor.decode", raw, errors.New("trailing data after advisors object"))
	}
	if err := g.validate(); err != nil {
		return nil, apperr.Parse("advisor.decode", raw, err)
	}
	return &g, nil
}

func (g *Generation) validate() error {
	g.InitialJustification = strings.TrimSpace(g.InitialJustification)
	g.FollowUp = strings.TrimSpace(g.FollowUp)
	if g.InitialJustification == "" {
		return errors.New("initialJustification is empty")
	}
	if len(g.Advisors) == 0 {
		return errors.New("no advisors returned")
	}
	for i := range g.Advisors {
		c := &g.Advisors[i]
		fields := []struct {
			name string
			val  *string
		}{
			{"name", &c.Name},
			{"description", &c.Description},
			{"type", &c.Type},
			{"why", &c.Why},
			{"traditions", &c.Traditions},
			{"speakingStyle", &c.SpeakingStyle},
			{"bestSuitedFor", &c.BestSuitedFor},
		}
		for _, f := range fields {
			*f.val = strings.TrimSpace(*f.val)
			if *f.val == "" {
				return fmt.Errorf("advisor %d: %s is empty", i, f.name)
			}
		}
		c.Type = strings.ToLower(c.Type)
		if !validType(c.Type) {
			return fmt.Errorf("advisor %d (%s): unknown type %q", i, c.Name, c.Type)
		}
	}
	return nil
}

func validType(t string) bool {
	switch t {
	case storage.TypeHistorical, storage.TypeArchetypal, storage.TypeFictional, storage.TypeCurrent:
		return true
	}
	return false
}

// Member converts a candidate into an inert council member row.
func (c Candidate) Member() storage.CouncilMember {
	return storage.CouncilMember{
		Name:          c.Name,
		Description:   c.Description,
		CharacterType: c.Type,
		Reason:        c.Why,
		Properties: storage.MemberProperties{
			Traditions:    c.Traditions,
			SpeakingStyle: c.SpeakingStyle,
			BestSuitedFor: c.BestSuitedFor,
		},
	}
}

// compact is used when logging raw output.
func compact(raw string) string {
	var b bytes.Buffer
	if json.Compact(&b, []byte(llm.ExtractJSON(raw))) == nil {
		return b.String()
	}
	return raw
}
