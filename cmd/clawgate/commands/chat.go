package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/failover"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// newChatCmd creates the `clawgate chat` command for talking to the
// provider chain from the terminal, without any messaging channel.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the provider chain from the terminal",
		Long: `Send one message or start an interactive REPL. Uses the same
failover chain as the daemon, so it doubles as a connectivity check.

Examples:
  clawgate chat "hello"
  clawgate chat                       # interactive
  clawgate chat -m openai/gpt-4o "hi" # prefer a specific model`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "preferred model (vendor/model), tried before the chain")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)
	config.ResolveAPIKey(cfg, logger)

	p, err := provider.OpenDriver(cfg.Provider.Driver, cfg.Provider.DriverSettings())
	if err != nil {
		return fmt.Errorf("opening provider driver: %w", err)
	}

	clk := clock.Real()
	tracker := health.NewTracker(cfg.Health, clk, logger)
	engine := failover.NewEngine(p, cfg.Failover, tracker, clk, logger)

	preferred, _ := cmd.Flags().GetString("model")
	opts := failover.CallOptions{PreferredModel: preferred}

	ctx := context.Background()

	if len(args) > 0 {
		return chatOnce(ctx, engine, opts, args[0])
	}
	return chatREPL(ctx, engine, opts)
}

// chatOnce streams a single response to stdout.
func chatOnce(ctx context.Context, engine *failover.Engine, opts failover.CallOptions, message string) error {
	history := []provider.Message{{Role: "user", Content: message}}
	_, err := streamReply(ctx, engine, opts, history)
	return err
}

// chatREPL runs the interactive loop, keeping the conversation history
// for the session.
func chatREPL(ctx context.Context, engine *failover.Engine, opts failover.CallOptions) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), "clawgate_chat_history"),
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive chat. Ctrl+D or /quit to exit, /reset to clear history.")

	var history []provider.Message
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			history = nil
			fmt.Println("History cleared.")
			continue
		}

		history = append(history, provider.Message{Role: "user", Content: line})
		content, err := streamReply(ctx, engine, opts, history)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			history = history[:len(history)-1]
			continue
		}
		history = append(history, provider.Message{Role: "assistant", Content: content})
	}
}

// streamReply runs one failover call, printing deltas as they arrive,
// and returns the full response text.
func streamReply(ctx context.Context, engine *failover.Engine, opts failover.CallOptions, history []provider.Message) (string, error) {
	var shown strings.Builder
	res, err := engine.StreamChatWithFailover(ctx, history, opts, func(ev provider.StreamEvent) error {
		if ev.Type == "content" && ev.Content != "" {
			fmt.Print(ev.Content)
			shown.WriteString(ev.Content)
		}
		return nil
	})
	if err != nil {
		if shown.Len() > 0 {
			fmt.Println()
		}
		return "", err
	}

	content := res.Response.Content
	switch {
	case shown.Len() == 0:
		// Non-streaming fallback: print the whole reply at once.
		fmt.Print(content)
	case res.UsedFallback:
		// A broken stream printed only a prefix; the fallback response
		// carries the full text.
		if rest, ok := strings.CutPrefix(content, shown.String()); ok {
			fmt.Print(rest)
		} else {
			fmt.Println()
			fmt.Print(content)
		}
	}
	fmt.Println()
	return content, nil
}
