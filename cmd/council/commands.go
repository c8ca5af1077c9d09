package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/council/internal/config"
	"github.com/kalambet/council/internal/questionnaire"
	"github.com/kalambet/council/internal/storage"
)

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a user and print a session token",
	Long: `Create a user in the local database and issue a session token for it.

The token is printed on stdout. With --save it is also stored as the
client token used by the other commands.

Examples:
  council user create ana --save
  council user create ana --ttl 24h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		user, token, err := createUser(store, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		printSuccess("Created user %s (%s)", user.Name, user.ID)

		if save {
			if err := config.SetSecret("client.token", token); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			printSuccess("Saved token as client.token")
		}
		return nil
	},
}

func init() {
	userCreateCmd.Flags().Duration("ttl", 30*24*time.Hour, "session lifetime")
	userCreateCmd.Flags().Bool("save", false, "store the token as the CLI client token")
	userCmd.AddCommand(userCreateCmd)
}

func createUser(store *storage.Store, name string, ttl time.Duration) (storage.User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.User{}, "", fmt.Errorf("name is required")
	}
	user, err := store.CreateUser(name)
	if err != nil {
		return storage.User{}, "", fmt.Errorf("creating user: %w", err)
	}
	token, err := newSessionToken()
	if err != nil {
		return storage.User{}, "", err
	}
	if err := store.CreateSession(user.ID, token, ttl); err != nil {
		return storage.User{}, "", fmt.Errorf("creating session: %w", err)
	}
	return user, token, nil
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// --- questionnaire ---

var questionnaireCmd = &cobra.Command{
	Use:   "questionnaire",
	Short: "Fill in and submit the self-reflection questionnaire",
}

var questionnaireExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a blank worksheet to fill in with an editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		text := questionnaire.Template(questionnaire.DefaultSections())
		if output == "" {
			_, err := io.WriteString(cmd.OutOrStdout(), text)
			return err
		}
		if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
			return fmt.Errorf("writing worksheet: %w", err)
		}
		printSuccess("Worksheet written to %s", output)
		return nil
	},
}

var questionnaireFillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Answer the questionnaire interactively",
	Long: `Answer the questionnaire one question at a time. Press enter on an
empty line to skip a question. The answers are written as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		sections, err := fillQuestionnaire(cmd.InOrStdin(), cmd.ErrOrStderr(), questionnaire.DefaultSections())
		if err != nil {
			return err
		}
		return writeSections(cmd.OutOrStdout(), output, sections)
	},
}

var questionnaireImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Convert a filled worksheet (text or PDF) to JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		sections, err := loadSections(args[0])
		if err != nil {
			return err
		}
		return writeSections(cmd.OutOrStdout(), output, sections)
	},
}

var questionnaireSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Store questionnaire answers as your chat context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sections, err := loadSections(args[0])
		if err != nil {
			return err
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var answers []questionnaire.Answer
		for _, s := range sections {
			answers = append(answers, s.Responses...)
		}
		if err := c.StoreResponses(cmd.Context(), answers); err != nil {
			return err
		}
		printSuccess("Stored %d answers", len(answers))
		return nil
	},
}

func init() {
	questionnaireExportCmd.Flags().String("output", "", "output file (default: stdout)")
	questionnaireFillCmd.Flags().String("output", "", "output file (default: stdout)")
	questionnaireImportCmd.Flags().String("output", "", "output file (default: stdout)")
	questionnaireCmd.AddCommand(questionnaireExportCmd)
	questionnaireCmd.AddCommand(questionnaireFillCmd)
	questionnaireCmd.AddCommand(questionnaireImportCmd)
	questionnaireCmd.AddCommand(questionnaireSubmitCmd)
}

// loadSections reads answers from JSON, a PDF worksheet or a text
// worksheet, chosen by file extension.
func loadSections(path string) ([]questionnaire.Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return questionnaire.ImportPDF(data)
	case ".json":
		var sections []questionnaire.Section
		if err := json.Unmarshal(data, &sections); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return questionnaire.Prepare(sections)
	default:
		return questionnaire.ParseWorksheet(string(data))
	}
}

func writeSections(stdout io.Writer, output string, sections []questionnaire.Section) error {
	data, err := json.MarshalIndent(sections, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if output == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	printSuccess("Answers written to %s", output)
	return nil
}

func fillQuestionnaire(in io.Reader, prompt io.Writer, defs []questionnaire.Definition) ([]questionnaire.Section, error) {
	b := questionnaire.NewBuilder(defs)
	sc := bufio.NewScanner(in)
	for s, d := range defs {
		fmt.Fprintf(prompt, "\n%s\n", colorize(colorBold, d.Title))
		for q, question := range d.Questions {
			fmt.Fprintf(prompt, "%s\n> ", question)
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return nil, fmt.Errorf("reading answers: %w", err)
				}
				return questionnaire.Prepare(b.Export())
			}
			if err := b.SetAnswer(s, q, sc.Text()); err != nil {
				return nil, err
			}
		}
	}
	fmt.Fprintf(prompt, "\n%d questions answered\n", b.Answered())
	return questionnaire.Prepare(b.Export())
}

// --- advisors ---

var advisorsCmd = &cobra.Command{
	Use:   "advisors",
	Short: "Generate advisor candidates",
}

var advisorsGenerateCmd = &cobra.Command{
	Use:   "generate <answers-file>",
	Short: "Generate advisor candidates from questionnaire answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sections, err := loadSections(args[0])
		if err != nil {
			return err
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Asking the model for advisors...")
		res, err := c.GenerateAdvisors(cmd.Context(), sections)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\n\n", res.InitialJustification)
		for i, a := range res.Advisors {
			id := ""
			if i < len(res.CouncilMembers) {
				id = res.CouncilMembers[i].ID
			}
			fmt.Fprintf(out, "%s  %s (%s)\n", colorize(colorCyan, id), colorize(colorBold, a.Name), a.Type)
			fmt.Fprintf(out, "    %s\n", a.Description)
			fmt.Fprintf(out, "    Why: %s\n", a.Why)
			fmt.Fprintf(out, "    Best suited for: %s\n\n", a.BestSuitedFor)
		}
		fmt.Fprintln(out, res.FollowUp)
		printSuccess("Select three with `council council select <id> <id> <id>`")
		return nil
	},
}

func init() {
	advisorsCmd.AddCommand(advisorsGenerateCmd)
}

// --- council ---

var councilCmd = &cobra.Command{
	Use:   "council",
	Short: "Manage your council",
}

var councilListCmd = &cobra.Command{
	Use:   "list",
	Short: "List council members",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		members, err := c.ListCouncil(cmd.Context(), !all)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No council members.")
			return nil
		}
		for _, m := range members {
			marker := " "
			if m.IsActive {
				marker = colorize(colorGreen, "*")
			}
			voice := ""
			if m.VoiceID != "" {
				voice = colorize(colorDim, " [voice]")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s (%s)%s\n", marker, colorize(colorCyan, m.ID), m.Name, m.CharacterType, voice)
		}
		return nil
	},
}

var councilSelectCmd = &cobra.Command{
	Use:   "select <id> <id> <id>",
	Short: "Activate three advisors as your council",
	Args:  cobra.ExactArgs(storage.MaxActiveMembers),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.SelectCouncil(cmd.Context(), args); err != nil {
			return err
		}
		printSuccess("Council selected; portraits and voices are being prepared")
		return nil
	},
}

var councilResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Deactivate the current council",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := c.ResetCouncil(cmd.Context()); err != nil {
			return err
		}
		printSuccess("Council reset")
		return nil
	},
}

var councilEnrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fill in missing descriptions, portraits and voices now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		results, err := c.PopulateExtraData(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range results {
			printStatus(r.Name, "descriptions=%s image=%s voice=%s", r.Descriptions, r.Image, r.Voice)
			for _, e := range r.Errors {
				printWarning("%s: %s", r.Name, e)
			}
		}
		return nil
	},
}

var councilVoicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "Design voices for every active member still missing one",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		total, results, err := c.GenerateVoices(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Error != "" {
				printWarning("%s: %s", r.MemberID, r.Error)
				continue
			}
			printStatus(r.MemberID, "%s", r.VoiceID)
		}
		printSuccess("%d of %d members processed", len(results), total)
		return nil
	},
}

var councilImageCmd = &cobra.Command{
	Use:   "image <name>",
	Short: "Generate a portrait for a persona name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		url, err := c.GenerateImage(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

func init() {
	councilListCmd.Flags().Bool("all", false, "include members that are not active")
	councilCmd.AddCommand(councilListCmd)
	councilCmd.AddCommand(councilSelectCmd)
	councilCmd.AddCommand(councilResetCmd)
	councilCmd.AddCommand(councilEnrichCmd)
	councilCmd.AddCommand(councilVoicesCmd)
	councilCmd.AddCommand(councilImageCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <member-id> <question>",
	Short: "Ask a single council member",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		audioOut, _ := cmd.Flags().GetString("audio-out")
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := c.Ask(cmd.Context(), args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply.Response)

		if audioOut != "" {
			if reply.Audio == nil || reply.Audio.Data == "" {
				printWarning("No audio: the member has no voice yet")
				return nil
			}
			if err := writeBase64(audioOut, reply.Audio.Data); err != nil {
				return err
			}
			printSuccess("Audio written to %s", audioOut)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("audio-out", "", "write the spoken reply to this file")
}

// --- transcribe ---

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Convert recorded speech to text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		audio, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading audio: %w", err)
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		text, err := c.Transcribe(cmd.Context(), audio)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

// --- survey ---

var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Screening survey",
}

var surveyQuestionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List survey questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		qs, err := c.SurveyQuestions(cmd.Context())
		if err != nil {
			return err
		}
		for _, q := range qs {
			req := ""
			if q.Required {
				req = colorize(colorRed, " *")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s%s\n", colorize(colorCyan, q.ID), q.Question, req)
			if len(q.Options) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "    %s: %s\n", q.Type, strings.Join(q.Options, " | "))
			}
		}
		return nil
	},
}

var surveySubmitCmd = &cobra.Command{
	Use:   "submit <answers.json>",
	Short: "Submit survey answers as a JSON object of question id to value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading answers: %w", err)
		}
		var answers map[string]any
		if err := json.Unmarshal(data, &answers); err != nil {
			return fmt.Errorf("parsing answers: %w", err)
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		saved, err := c.SubmitSurvey(cmd.Context(), answers)
		if err != nil {
			return err
		}
		printSuccess("Saved %d answers", len(saved))
		return nil
	},
}

func init() {
	surveyCmd.AddCommand(surveyQuestionsCmd)
	surveyCmd.AddCommand(surveySubmitCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "$"+k.EnvVar))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		v, err := config.GetKey(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store an API key or token, read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readSecret(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

// readSecret reads one value from in. A terminal is prompted without echo.
func readSecret(in io.Reader, key string) (string, error) {
	var value string
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(os.Stderr, "%s: ", key)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", key, err)
		}
		value = string(b)
	} else {
		sc := bufio.NewScanner(in)
		if !sc.Scan() {
			return "", fmt.Errorf("no value on stdin")
		}
		value = sc.Text()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("empty value")
	}
	return value, nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
