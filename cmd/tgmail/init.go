package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bborn/tgmail/internal/config"
	"github.com/bborn/tgmail/internal/state"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Setup tgmail configuration",
		Long:  "Interactive wizard for the Telegram bot, Gmail credentials and Claude API. Can be re-run anytime to update settings.",
		RunE:  runInit,
	}
}

// initAnswers holds form values as strings so huh inputs can bind to them.
type initAnswers struct {
	token        string
	chatID       string
	credentials  string
	apiKey       string
	useKeyring   bool
	language     string
	pollInterval string
	forwardTo    string
	tracking     bool
	baseURL      string
	secret       string
	listen       string
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Println(infoStyle.Render("Existing config could not be read, starting from defaults: " + err.Error()))
		if cfg, err = config.Defaults(); err != nil {
			return err
		}
	} else {
		fmt.Println(infoStyle.Render("Current values shown as defaults.\n"))
	}

	a := initAnswers{
		token:        cfg.Telegram.Token,
		credentials:  cfg.Gmail.CredentialsFile,
		apiKey:       cfg.AI.APIKey,
		language:     cfg.Bridge.Language,
		pollInterval: cfg.Bridge.PollInterval.String(),
		forwardTo:    strings.Join(cfg.Bridge.ForwardTo, ", "),
		tracking:     cfg.Tracking.Enabled,
		baseURL:      cfg.Tracking.BaseURL,
		secret:       cfg.Tracking.Secret,
		listen:       cfg.Tracking.Listen,
	}
	if cfg.Telegram.ChatID != 0 {
		a.chatID = strconv.FormatInt(cfg.Telegram.ChatID, 10)
	}

	fmt.Println(titleStyle.Render("💬 Telegram"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bot Token").
				Description("From @BotFather").
				EchoMode(huh.EchoModePassword).
				Value(&a.token).
				Validate(required("bot token")),
			huh.NewInput().
				Title("Chat ID").
				Description("The chat that receives mail cards").
				Value(&a.chatID).
				Validate(func(s string) error {
					if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err != nil {
						return fmt.Errorf("chat id must be a number")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("\n📧 Gmail"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("OAuth Credentials File").
				Description("Desktop client JSON downloaded from Google Cloud Console").
				Value(&a.credentials).
				Validate(required("credentials file")),
			huh.NewInput().
				Title("Poll Interval").
				Value(&a.pollInterval).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil || d <= 0 {
						return fmt.Errorf("use a duration like 15s")
					}
					return nil
				}),
			huh.NewInput().
				Title("Forward Addresses").
				Description("Comma separated quick forward targets").
				Value(&a.forwardTo),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("\n🤖 Claude API"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API Key").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey).
				Validate(required("API key")),
			huh.NewConfirm().
				Title("Store secrets in the system keyring?").
				Value(&a.useKeyring),
			huh.NewInput().
				Title("Reply Language").
				Value(&a.language),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("\n👁️ Read Tracking"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Embed a tracking pixel in sent replies?").
				Value(&a.tracking),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Pixel Base URL").
				Description("Public URL of the pixel endpoint, e.g. https://px.example.com/pixel").
				Value(&a.baseURL).
				Validate(required("base URL")),
			huh.NewInput().
				Title("Webhook Secret").
				EchoMode(huh.EchoModePassword).
				Value(&a.secret).
				Validate(required("secret")),
			huh.NewInput().
				Title("Listen Address").
				Value(&a.listen),
		).WithHideFunc(func() bool { return !a.tracking }),
	).Run()
	if err != nil {
		return err
	}

	if err := a.apply(cfg); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("\n💾 Saving Configuration"))
	if err := config.Save(loader.Path(), cfg); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("✓ Configuration saved to " + loader.Path()))

	db, _, err := state.OpenStore(cfg.State.Checkpoint)
	if err != nil {
		fmt.Println(errorStyle.Render("✗ Failed to initialize state database: " + err.Error()))
	} else {
		db.Close()
		fmt.Println(successStyle.Render("✓ State database initialized"))
	}

	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete! Run 'tgmail auth' once, then 'tgmail serve'."))
	return nil
}

// apply copies the answers into cfg, moving secrets to the keyring when
// requested.
func (a *initAnswers) apply(cfg *config.Config) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	poll, err := time.ParseDuration(a.pollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll interval: %w", err)
	}

	cfg.Telegram.ChatID = chatID
	cfg.Gmail.CredentialsFile = strings.TrimSpace(a.credentials)
	cfg.Bridge.PollInterval = poll
	cfg.Bridge.Language = strings.TrimSpace(a.language)
	cfg.Bridge.ForwardTo = splitAddresses(a.forwardTo)
	cfg.Tracking.Enabled = a.tracking
	cfg.Tracking.BaseURL = strings.TrimRight(strings.TrimSpace(a.baseURL), "/")
	cfg.Tracking.Listen = strings.TrimSpace(a.listen)

	secrets := []struct {
		name  string
		value string
		dst   *string
	}{
		{"telegram", a.token, &cfg.Telegram.Token},
		{"anthropic", a.apiKey, &cfg.AI.APIKey},
		{"pixel", a.secret, &cfg.Tracking.Secret},
	}
	for _, s := range secrets {
		if s.value == "" || !a.useKeyring || strings.HasPrefix(s.value, "keyring:") {
			*s.dst = s.value
			continue
		}
		if err := config.SetSecret(s.name, s.value); err != nil {
			return err
		}
		*s.dst = "keyring:" + s.name
		fmt.Println(successStyle.Render("✓ Stored " + s.name + " secret in keyring"))
	}
	return nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
