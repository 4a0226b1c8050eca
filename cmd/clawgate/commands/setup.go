package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
)

// newSetupCmd creates the `clawgate setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the provider, failover preset and channels. The API key is
stored in the OS keyring, never in plaintext on disk.

Examples:
  clawgate setup`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runInteractiveSetup()
		},
	}
}

// runInteractiveSetup guides the user through config creation.
func runInteractiveSetup() error {
	cfg := config.DefaultConfig()

	var (
		apiKey         string
		enableWebchat  = true
		enableTelegram bool
		enableDiscord  bool
		enableWhatsApp bool
		telegramToken  string
		discordToken   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway name").
				Value(&cfg.Name),
			huh.NewSelect[string]().
				Title("Provider driver").
				Options(
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("Groq", "groq"),
					huh.NewOption("DeepSeek", "deepseek"),
				).
				Value(&cfg.Provider.Driver),
			huh.NewInput().
				Title("API base URL").
				Description("Leave as-is for the provider default.").
				Value(&cfg.Provider.BaseURL),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring, not in config.yaml.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Failover preset").
				Description("Which model chain to try, in order.").
				Options(
					huh.NewOption("balanced — quality first, fall back to fast", "balanced"),
					huh.NewOption("fast — cheap and quick models first", "fast"),
					huh.NewOption("high — strongest models first", "high"),
					huh.NewOption("local — local models only", "local"),
				).
				Value(&cfg.Failover.Preset),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable webchat (local browser channel)?").
				Value(&enableWebchat),
			huh.NewConfirm().
				Title("Enable Telegram?").
				Value(&enableTelegram),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to set later.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewConfirm().
				Title("Enable Discord?").
				Value(&enableDiscord),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to set later.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewConfirm().
				Title("Enable WhatsApp? (QR pairing on first start)").
				Value(&enableWhatsApp),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup wizard: %w", err)
	}

	cfg.Channels.Webchat.Enabled = enableWebchat
	cfg.Channels.Telegram.Enabled = enableTelegram
	cfg.Channels.Telegram.BotToken = telegramToken
	cfg.Channels.Discord.Enabled = enableDiscord
	cfg.Channels.Discord.BotToken = discordToken
	cfg.Channels.WhatsApp.Enabled = enableWhatsApp

	// The key goes to the keyring; config.yaml only carries an env
	// reference as fallback for machines without one.
	keyVar := config.ProviderKeyName(cfg.Provider.Driver)
	if apiKey != "" {
		if config.KeyringAvailable() {
			if err := config.StoreKeyring("api_key", apiKey); err != nil {
				fmt.Printf("Could not store the key in the OS keyring: %v\n", err)
				fmt.Printf("Set it via the %s environment variable instead.\n", keyVar)
			} else {
				fmt.Println("API key stored in the OS keyring.")
			}
		} else {
			fmt.Printf("No OS keyring available. Set the key via the %s environment variable.\n", keyVar)
		}
	}
	cfg.Provider.APIKey = "${" + keyVar + "}"

	target := "config.yaml"
	if _, err := os.Stat(target); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", target)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := config.SaveToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("%s created (permissions 600, no plaintext secrets).\n", target)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run: clawgate serve")
	if enableWhatsApp {
		fmt.Println("  2. Scan the WhatsApp pairing code when prompted")
	}
	fmt.Println()
	return nil
}
