package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/spf13/cobra"
)

var (
	evalRulesFile string
	evalTxFile    string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate transactions from a JSON file against a rule file",
	Long: `evaluate scores one transaction (a JSON object) or a batch (a JSON array)
against a YAML rule file and prints the verdicts as JSON. Frequency rules
count only within the batch. Use --tx - to read from stdin.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		setupLogger(cfg.Logging, cmd.ErrOrStderr())

		in := cmd.InOrStdin()
		if evalTxFile != "-" {
			f, err := os.Open(evalTxFile)
			if err != nil {
				return fmt.Errorf("failed to open transactions: %w", err)
			}
			defer f.Close()
			in = f
		}

		return evaluateBatch(cmd.Context(), cfg, evalRulesFile, in, cmd.OutOrStdout())
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalRulesFile, "rules", "", "YAML rule file")
	evaluateCmd.Flags().StringVar(&evalTxFile, "tx", "-", "transaction JSON file, - for stdin")
	_ = evaluateCmd.MarkFlagRequired("rules")
}

// evaluateBatch runs each transaction in r through an in-memory pipeline
// and writes the verdicts to w, in input order.
func evaluateBatch(ctx context.Context, cfg *domain.Config, rulesPath string, r io.Reader, w io.Writer) error {
	txs, err := decodeTransactions(r)
	if err != nil {
		return err
	}

	store := cache.NewMemoryStore(cfg.Frequency.LocalMaxKeys)
	defer store.Close()

	engine, err := rules.NewEngine(cfg.Engine, velocity.NewTracker(store))
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	ruleCache := rules.NewRuleCache(repository.NewFileSource(rulesPath))
	if _, err := ruleCache.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	svc := detection.NewService(ruleCache, engine, aggregator.New(cfg.Aggregator), nil, nil)

	results := make([]*domain.FraudDetectionResult, 0, len(txs))
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
		result, err := svc.Detect(ctx, tx)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		results = append(results, result)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// decodeTransactions accepts a single JSON object or an array of them.
func decodeTransactions(r io.Reader) ([]*domain.Transaction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no input", domain.ErrInvalidTransaction)
	}

	if data[0] == '[' {
		var txs []*domain.Transaction
		if err := json.Unmarshal(data, &txs); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
		}
		return txs, nil
	}

	var tx domain.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	return []*domain.Transaction{&tx}, nil
}
