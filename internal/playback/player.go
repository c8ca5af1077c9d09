package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Audio container formats recognized by Detect.
const (
	FormatMP3 = "mp3"
	FormatWAV = "wav"
	FormatOGG = "ogg"
)

// ErrUnknownFormat is returned by Detect for data that is not audio.
var ErrUnknownFormat = errors.New("unrecognized audio format")

// Detect identifies the container of audio by its magic bytes.
func Detect(audio []byte) (string, error) {
	switch {
	case len(audio) >= 3 && string(audio[:3]) == "ID3":
		return FormatMP3, nil
	case len(audio) >= 2 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return FormatMP3, nil // bare MPEG frame sync
	case len(audio) >= 12 && string(audio[:4]) == "RIFF" && string(audio[8:12]) == "WAVE":
		return FormatWAV, nil
	case len(audio) >= 4 && string(audio[:4]) == "OggS":
		return FormatOGG, nil
	}
	return "", ErrUnknownFormat
}

// CommandPlayer pipes audio to an external player such as ffplay or mpv.
type CommandPlayer struct {
	name string
	args []string
}

// NewCommandPlayer parses a command line like
// "ffplay -nodisp -autoexit -loglevel quiet -". The player must read audio
// from stdin.
func NewCommandPlayer(command string) (*CommandPlayer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty player command")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("player %q not found: %w", fields[0], err)
	}
	return &CommandPlayer{name: fields[0], args: fields[1:]}, nil
}

// Play runs the player to completion.
func (p *CommandPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, p.name, p.args...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("running %s: %w: %s", p.name, err, msg)
		}
		return fmt.Errorf("running %s: %w", p.name, err)
	}
	return nil
}
