package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrActiveLimit is returned when activating members would leave a user with
// more than MaxActiveMembers active council members.
var ErrActiveLimit = errors.New("active council limit exceeded")

// ErrAlreadySet is returned by monotonic field writes when the field already
// holds a value or its prerequisite is missing.
var ErrAlreadySet = errors.New("field already set")

// MaxActiveMembers is the size of a user's active council.
const MaxActiveMembers = 3

// Character types an advisor may have.
const (
	TypeHistorical = "historical"
	TypeArchetypal = "archetypal"
	TypeFictional  = "fictional"
	TypeCurrent    = "current"
)

// MemberProperties holds the descriptive extras of a council member.
type MemberProperties struct {
	Traditions    string `json:"traditions"`
	SpeakingStyle string `json:"speakingStyle"`
	BestSuitedFor string `json:"bestSuitedFor"`
}

// CouncilMember is a persisted advisor persona owned by one user.
// Empty media fields mean "not generated yet".
type CouncilMember struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	CharacterType    string           `json:"character_type"`
	Reason           string           `json:"reason"`
	Properties       MemberProperties `json:"properties"`
	ImageURL         string           `json:"image_url,omitempty"`
	ImageDescription string           `json:"image_description,omitempty"`
	VoiceDescription string           `json:"voice_description,omitempty"`
	VoiceID          string           `json:"voice_id,omitempty"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NeedsDescriptions reports whether either generated description is missing.
func (m CouncilMember) NeedsDescriptions() bool {
	return m.ImageDescription == "" || m.VoiceDescription == ""
}

// NeedsImage reports whether the portrait URL is missing.
func (m CouncilMember) NeedsImage() bool {
	return m.ImageURL == ""
}

// NeedsVoice reports whether a voice identity can and should be generated.
func (m CouncilMember) NeedsVoice() bool {
	return m.VoiceID == ""
}

// ActiveVoice is a compact view of an active member with a voice identity.
type ActiveVoice struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	VoiceID string `json:"voice_id"`
}

type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type QuestionnaireResponse struct {
	ID            string
	UserID        string
	ResponsesJSON string // normalized sections as stored
	CreatedAt     time.Time
}

type SurveyQuestion struct {
	ID          string   `json:"id" yaml:"id"`
	Category    string   `json:"category" yaml:"category"`
	Type        string   `json:"type" yaml:"type"`
	Question    string   `json:"question" yaml:"question"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Options     []string `json:"options,omitempty" yaml:"options"`
	Required    bool     `json:"required" yaml:"required"`
	Sequence    int      `json:"sequence" yaml:"sequence"`
}

type SurveyAnswer struct {
	QuestionID   string    `json:"question_id"`
	ResponseText string    `json:"response_text"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
