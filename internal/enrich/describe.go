package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/council/internal/llm"
	"github.com/kalambet/council/internal/storage"
)

// Descriptions are the two generated texts that seed portrait and voice design.
type Descriptions struct {
	ImageDescription string `json:"imageDescription"`
	VoiceDescription string `json:"voiceDescription"`
}

const describeTemplate = `Given this council member:
Name: %s
Description: %s
Character Type: %s
Properties: %s

Please provide two descriptions:
1. A detailed physical appearance description for generating an image (focus on visual aspects)
2. A voice description including accent, tone, pitch, and speaking style

You MUST only output a JSON object matching this exact schema:
{
  "imageDescription": "A detailed physical description...",
  "voiceDescription": "A detailed voice description..."
}

Example response:
{
  "imageDescription": "A tall woman in her mid-40s with shoulder-length silver hair, sharp green eyes, and an athletic build. She wears professional business attire with modern touches. Her posture conveys confidence and authority.",
  "voiceDescription": "Clear, authoritative alto voice with a slight British accent. Speaks at a measured pace with precise articulation. Professional tone with warm undertones, conveying both competence and approachability."
}

You MUST only output the JSON object, with no additional text or explanation.`

func describeRequest(model string, m storage.CouncilMember) llm.ChatRequest {
	props, _ := json.Marshal(m.Properties)
	return llm.ChatRequest{
		Model:          model,
		Messages:       []llm.Message{llm.User(fmt.Sprintf(describeTemplate, m.Name, m.Description, m.CharacterType, props))},
		MaxTokens:      1000,
		Temperature:    llm.Temperature(0.7),
		ResponseFormat: llm.JSONObject,
	}
}

// parseDescriptions requires both fields and nothing else.
func parseDescriptions(raw string) (Descriptions, error) {
	dec := json.NewDecoder(strings.NewReader(llm.ExtractJSON(raw)))
	dec.DisallowUnknownFields()
	var d Descriptions
	if err := dec.Decode(&d); err != nil {
		return Descriptions{}, fmt.Errorf("decoding descriptions: %w", err)
	}
	d.ImageDescription = strings.TrimSpace(d.ImageDescription)
	d.VoiceDescription = strings.TrimSpace(d.VoiceDescription)
	if d.ImageDescription == "" || d.VoiceDescription == "" {
		return Descriptions{}, errors.New("descriptions partially populated")
	}
	return d, nil
}

func (e *Enricher) describe(ctx context.Context, m *storage.CouncilMember) error {
	raw, err := e.llm.Complete(ctx, describeRequest(e.opts.Model, *m))
	if err != nil {
		return err
	}
	d, err := parseDescriptions(raw)
	if err != nil {
		return err
	}
	if err := e.store.SetMemberDescriptions(m.UserID, m.ID, d.ImageDescription, d.VoiceDescription); err != nil {
		return fmt.Errorf("saving descriptions: %w", err)
	}
	// Mirror the fill-if-empty update.
	if m.ImageDescription == "" {
		m.ImageDescription = d.ImageDescription
	}
	if m.VoiceDescription == "" {
		m.VoiceDescription = d.VoiceDescription
	}
	return nil
}
