package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/turnkit/internal/config"
)

// onboardAnswers is what the setup form collects.
type onboardAnswers struct {
	Port           string
	Channels       []string
	TelegramToken  string
	DiscordToken   string
	BotFrameworkID string
	DatabaseMode   string
	Metrics        bool
}

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard that writes the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}
	ans := answersFrom(cfg)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("turnkit setup").
				Description(fmt.Sprintf("Writes %s. Secrets like the Bot Framework password and Postgres DSN stay in env vars.", path)),
			huh.NewInput().
				Title("HTTP port").
				Value(&ans.Port).
				Validate(validatePort),
			huh.NewMultiSelect[string]().
				Title("Channels").
				Options(
					huh.NewOption("devtools (local websocket)", "devtools"),
					huh.NewOption("Bot Framework webhook", "botframework"),
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&ans.Channels),
		),
		huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").Value(&ans.TelegramToken).EchoMode(huh.EchoModePassword),
		).WithHideFunc(func() bool { return !contains(ans.Channels, "telegram") }),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").Value(&ans.DiscordToken).EchoMode(huh.EchoModePassword),
		).WithHideFunc(func() bool { return !contains(ans.Channels, "discord") }),
		huh.NewGroup(
			huh.NewInput().Title("Bot Framework app id").Value(&ans.BotFrameworkID),
		).WithHideFunc(func() bool { return !contains(ans.Channels, "botframework") }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Activity history").
				Options(
					huh.NewOption("SQLite file", "standalone"),
					huh.NewOption("Postgres (TURNKIT_POSTGRES_DSN)", "managed"),
					huh.NewOption("Off", "none"),
				).
				Value(&ans.DatabaseMode),
			huh.NewConfirm().
				Title("Expose Prometheus metrics?").
				Value(&ans.Metrics),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(os.Stderr, "Setup aborted.")
			return nil
		}
		return err
	}

	if err := applyOnboard(cfg, ans); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config written to %s\n", path)
	if ans.DatabaseMode == "managed" {
		fmt.Println("Next: export TURNKIT_POSTGRES_DSN and run `turnkit migrate up`.")
	}
	fmt.Println("Start the bot with `turnkit serve`.")
	return nil
}

func answersFrom(cfg *config.Config) *onboardAnswers {
	ans := &onboardAnswers{
		Port:           strconv.Itoa(cfg.Server.Port),
		TelegramToken:  cfg.Channels.Telegram.Token,
		DiscordToken:   cfg.Channels.Discord.Token,
		BotFrameworkID: cfg.Channels.BotFramework.AppID,
		DatabaseMode:   cfg.Database.Mode,
		Metrics:        cfg.Metrics.Enabled,
	}
	for name, on := range map[string]bool{
		"devtools":     cfg.Channels.DevTools.Enabled,
		"botframework": cfg.Channels.BotFramework.Enabled,
		"telegram":     cfg.Channels.Telegram.Enabled,
		"discord":      cfg.Channels.Discord.Enabled,
	} {
		if on {
			ans.Channels = append(ans.Channels, name)
		}
	}
	if ans.DatabaseMode == "" {
		ans.DatabaseMode = "standalone"
	}
	return ans
}

// applyOnboard copies the answers into cfg and validates the result.
func applyOnboard(cfg *config.Config, ans *onboardAnswers) error {
	if err := validatePort(ans.Port); err != nil {
		return err
	}
	cfg.Server.Port, _ = strconv.Atoi(ans.Port)

	ch := &cfg.Channels
	ch.DevTools.Enabled = contains(ans.Channels, "devtools")
	ch.BotFramework.Enabled = contains(ans.Channels, "botframework")
	ch.Telegram.Enabled = contains(ans.Channels, "telegram")
	ch.Discord.Enabled = contains(ans.Channels, "discord")

	if ch.Telegram.Enabled {
		if ans.TelegramToken == "" {
			return fmt.Errorf("telegram enabled but no token given")
		}
		ch.Telegram.Token = ans.TelegramToken
	}
	if ch.Discord.Enabled {
		if ans.DiscordToken == "" {
			return fmt.Errorf("discord enabled but no token given")
		}
		ch.Discord.Token = ans.DiscordToken
	}
	if ch.BotFramework.Enabled {
		ch.BotFramework.AppID = ans.BotFrameworkID
	}

	cfg.Database.Mode = ans.DatabaseMode
	cfg.Metrics.Enabled = ans.Metrics
	return cfg.Validate()
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
