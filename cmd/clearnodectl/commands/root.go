// Package commands implements the clearnodectl command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/ggoodman/clearnode-go/internal/config"
)

var (
	configPath string

	flagURL      string
	flagPayee    string
	flagPrice    string
	flagDeposit  string
	flagAsset    string
	flagOverflow string
	flagLogLevel string
)

// Execute runs the root command.
func Execute() error {
	return newRoot().Execute()
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "clearnodectl",
		Short:         "Pay-per-item billing sessions on a clearing node",
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "TOML settings file")
	pf.StringVar(&flagURL, "url", "", "clearing node websocket URL (CLEARNODE_URL)")
	pf.StringVar(&flagPayee, "payee", "", "payee address (PAYEE_ADDRESS)")
	pf.StringVar(&flagPrice, "price", "", "price per item (PRICE_PER_ITEM)")
	pf.StringVar(&flagDeposit, "deposit", "", "session deposit (DEPOSIT)")
	pf.StringVar(&flagAsset, "asset", "", "settlement asset (ASSET)")
	pf.StringVar(&flagOverflow, "overflow", "", "clamp or reject items past the deposit (OVERFLOW_POLICY)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")

	root.AddCommand(runCmd(), schemaCmd())
	return root
}

// loadConfig reads settings and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"url":       &cfg.ClearnodeURL,
		"payee":     &cfg.PayeeAddress,
		"price":     &cfg.PricePerItem,
		"deposit":   &cfg.Deposit,
		"asset":     &cfg.Asset,
		"overflow":  &cfg.OverflowPolicy,
		"log-level": &cfg.LogLevel,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return config.Config{}, err
		}
		*dst = v
	}
	return cfg, cfg.Validate()
}
