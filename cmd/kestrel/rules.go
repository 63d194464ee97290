package main

import (
	"fmt"
	"io"
	"os"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule file utilities",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a YAML rule file without starting the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read rules: %w", err)
		}
		return validateRules(cfg, data, cmd.OutOrStdout())
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}

// validateRules parses data and checks every rule against the engine's
// registered evaluators, printing one line per rule.
func validateRules(cfg *domain.Config, data []byte, w io.Writer) error {
	parsed, err := repository.ParseRules(data)
	if err != nil {
		return err
	}

	engine, err := rules.NewEngine(cfg.Engine, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	enabled := 0
	for _, r := range parsed {
		if err := engine.ValidateRule(r); err != nil {
			return fmt.Errorf("rule %d (%s): %w", r.ID, r.Name, err)
		}
		state := "disabled"
		if r.Enabled {
			state = "enabled"
			enabled++
		}
		fmt.Fprintf(w, "  %-4d %-24s %-16s %s\n", r.ID, r.Name, r.Type, state)
	}
	fmt.Fprintf(w, "%d rules OK (%d enabled)\n", len(parsed), enabled)
	return nil
}
