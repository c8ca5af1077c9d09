package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/council/internal/chatview"
	"github.com/kalambet/council/internal/client"
	"github.com/kalambet/council/internal/config"
	"github.com/kalambet/council/internal/conversation"
	"github.com/kalambet/council/internal/playback"
	"github.com/kalambet/council/internal/storage"
)

const chatHelp = `Commands:
  /ask <member-id> <question>   ask one member privately
  /audio <file>                 send recorded speech
  /voice on|off                 toggle spoken replies
  /members                      list the council
  /quit                         leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk with your active council",
	RunE: func(cmd *cobra.Command, args []string) error {
		noVoice, _ := cmd.Flags().GetBool("no-voice")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		c, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		members, err := c.ListCouncil(ctx, true)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return fmt.Errorf("no active council. Generate advisors and run `council council select` first")
		}

		out := cmd.OutOrStdout()
		renderer := newTermRenderer(out, members)

		var (
			session *chatview.Session
			queue   *playback.Queue
		)
		if cfg.Playback.VoiceEnabled && !noVoice {
			queue = startPlayback(ctx, cfg, c, func(tr playback.Transition) {
				if session != nil {
					session.HandleTransition(tr)
				}
			})
		}

		var pb chatview.Playback
		if queue != nil {
			pb = queue
		}
		session = chatview.New(c, renderer, pb, chatview.Options{
			RevealInterval: cfg.Playback.RevealIntervalDuration(),
		})
		if voices, err := c.ActiveVoices(ctx); err == nil {
			ids := make([]string, len(voices))
			for i, v := range voices {
				ids[i] = v.ID
			}
			session.SetVoices(ids)
		} else {
			slog.Warn("listing voices", "error", err)
		}

		fmt.Fprintf(out, "Your council: %s\n", renderer.roster())
		fmt.Fprintln(out, colorize(colorDim, "Type /help for commands."))
		return chatLoop(ctx, cmd.InOrStdin(), out, session, queue, renderer)
	},
}

func init() {
	chatCmd.Flags().Bool("no-voice", false, "text only, even when voice is enabled in config")
}

// startPlayback builds the voice queue and starts its consumer. It returns
// nil when no player is available.
func startPlayback(ctx context.Context, cfg config.Config, c *client.Client, onTransition func(playback.Transition)) *playback.Queue {
	player, err := playback.NewCommandPlayer(cfg.Playback.PlayerCommand)
	if err != nil {
		printWarning("Voice disabled: %v", err)
		return nil
	}
	queue, err := playback.NewQueue(c, player, playback.Options{
		CacheSize:    cfg.Playback.CacheSize,
		OnTransition: onTransition,
	})
	if err != nil {
		printWarning("Voice disabled: %v", err)
		return nil
	}
	go func() {
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("playback stopped", "error", err)
		}
	}()
	return queue
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, session *chatview.Session, queue *playback.Queue, r *termRenderer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, colorize(colorBold, "you> "))
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "/") {
			// Failures are already shown by the renderer.
			_ = session.Send(ctx, line)
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/members":
			fmt.Fprintln(out, r.roster())
		case "/voice":
			if queue == nil {
				printWarning("Voice is not available in this session")
				continue
			}
			queue.SetEnabled(rest != "off")
			if queue.Enabled() {
				printSuccess("Voice on")
			} else {
				printSuccess("Voice off")
			}
		case "/ask":
			id, question, ok := strings.Cut(rest, " ")
			if !ok || strings.TrimSpace(question) == "" {
				printError("usage: /ask <member-id> <question>")
				continue
			}
			reply, err := session.Ask(ctx, id, question)
			if err != nil {
				printError("%v", err)
				continue
			}
			printSpeaker(out, r.color(id), r.name(id)+" (privately)", reply.Response)
		case "/audio":
			audio, err := os.ReadFile(rest)
			if err != nil {
				printError("reading audio: %v", err)
				continue
			}
			_ = session.SendAudio(ctx, audio)
		default:
			printError("unknown command %s", cmd)
		}
	}
}

// termRenderer prints the chat transcript to a terminal.
type termRenderer struct {
	out     io.Writer
	members []storage.CouncilMember

	mu     sync.Mutex
	typing int
	colors map[string]string
	names  map[string]string
}

func newTermRenderer(out io.Writer, members []storage.CouncilMember) *termRenderer {
	r := &termRenderer{
		out:     out,
		members: members,
		colors:  make(map[string]string, len(members)),
		names:   make(map[string]string, len(members)),
	}
	for i, m := range members {
		r.colors[m.ID] = personaColors[i%len(personaColors)]
		r.names[m.ID] = m.Name
	}
	return r
}

func (r *termRenderer) name(id string) string {
	if n, ok := r.names[id]; ok {
		return n
	}
	return id
}

func (r *termRenderer) color(id string) string {
	if c, ok := r.colors[id]; ok {
		return c
	}
	return colorBold
}

func (r *termRenderer) roster() string {
	parts := make([]string, len(r.members))
	for i, m := range r.members {
		parts[i] = fmt.Sprintf("%s (%s)", colorize(r.color(m.ID), m.Name), m.ID)
	}
	return strings.Join(parts, ", ")
}

// Partial announces each advisor once as they start answering.
func (r *termRenderer) Partial(msgs []conversation.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ; r.typing < len(msgs); r.typing++ {
		fmt.Fprintln(r.out, colorize(colorDim, "… "+r.name(msgs[r.typing].AdviserID)+" is responding"))
	}
}

func (r *termRenderer) Reveal(t conversation.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.SenderID == conversation.SenderUser {
		r.typing = 0
		return
	}
	printSpeaker(r.out, r.color(t.SenderID), r.name(t.SenderID), t.Content)
}

func (r *termRenderer) Failed(err error) {
	r.mu.Lock()
	r.typing = 0
	r.mu.Unlock()
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		printError("%s", apiErr.Message)
		return
	}
	printError("%v", err)
}

func writeBase64(path, encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding audio: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing audio: %w", err)
	}
	return nil
}
