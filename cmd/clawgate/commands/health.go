package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/state"
)

// newHealthCmd creates the `clawgate health` command. Used by Docker
// HEALTHCHECK and for a quick look at the circuit breaker state.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show persisted endpoint health",
		Long: `Prints the last persisted health snapshot: per-endpoint failure
counts and circuit breaker state for models and channels.

Examples:
  clawgate health
  clawgate health --json`,
		RunE: runHealth,
	}

	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.State, buildLogger(cmd, cfg))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	snapshot, err := store.LoadHealth()
	if err != nil {
		return fmt.Errorf("loading health snapshot: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return json.NewEncoder(os.Stdout).Encode(snapshot)
	}

	if len(snapshot) == 0 {
		fmt.Println("No health data recorded yet.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-40s %-10s %-10s %s\n", "ENDPOINT", "FAILURES", "STATE", "LAST SUCCESS")
	for _, ep := range snapshot {
		st := "ok"
		if !ep.DisabledUntil.IsZero() && now.Before(ep.DisabledUntil) {
			st = fmt.Sprintf("open %ds", int(ep.DisabledUntil.Sub(now).Seconds()))
		}
		last := "never"
		if !ep.LastSuccessAt.IsZero() {
			last = ep.LastSuccessAt.Format(time.RFC3339)
		}
		fmt.Printf("%-40s %-10d %-10s %s\n", ep.Key, ep.FailureCount, st, last)
	}
	return nil
}
