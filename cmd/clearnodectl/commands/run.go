package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/clearnode-go/billing"
	"github.com/ggoodman/clearnode-go/clearnode"
	"github.com/ggoodman/clearnode-go/internal/config"
	"github.com/ggoodman/clearnode-go/settlement"
	"github.com/ggoodman/clearnode-go/settlement/ethsettle"
	"github.com/ggoodman/clearnode-go/signer"
	"github.com/ggoodman/clearnode-go/storage"
	"github.com/ggoodman/clearnode-go/storage/file"
	"github.com/ggoodman/clearnode-go/storage/memory"
	"github.com/ggoodman/clearnode-go/storage/redis"
)

// run --items a,b,c: open a session, bill each item, close and settle.
func runCmd() *cobra.Command {
	var (
		items  []string
		settle bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one billing session over the given items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, cfg, items, settle, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringSliceVar(&items, "items", nil, "item ids to bill, in order (repeats are billed once)")
	cmd.Flags().BoolVar(&settle, "settle", true, "settle on chain after closing (needs ETH_RPC_URL)")
	return cmd
}

func runSession(ctx context.Context, cfg config.Config, items []string, settle bool, stdout, stderr io.Writer) error {
	log := cfg.Logger(stderr)

	price, err := cfg.Price()
	if err != nil {
		return err
	}
	deposit, err := cfg.DepositAmount()
	if err != nil {
		return err
	}
	overflow, err := cfg.Overflow()
	if err != nil {
		return err
	}

	wallet, err := loadWallet(cfg, log)
	if err != nil {
		return err
	}
	creds, err := openCredentials(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer creds.Close()

	var coord settlement.Coordinator
	if settle && cfg.EthRPCURL != "" {
		backend, err := ethsettle.Dial(ctx, cfg.EthRPCURL)
		if err != nil {
			return err
		}
		defer backend.Close()
		coord, err = ethsettle.New(ethsettle.Config{
			Backend: backend,
			Signer:  wallet,
			ChainID: big.NewInt(cfg.ChainID),
			Logger:  log,
		})
		if err != nil {
			return err
		}
	}

	client, err := billing.New(billing.Config{
		URL:          cfg.ClearnodeURL,
		Wallet:       wallet,
		Payee:        cfg.Payee(),
		Asset:        cfg.Asset,
		PricePerItem: price,
		Deposit:      deposit,
		Overflow:     overflow,
		App: clearnode.AppSession{
			Protocol:    cfg.Protocol,
			Application: cfg.Application,
		},
		Scope:            cfg.Scope,
		SessionExpiry:    cfg.SessionExpiry,
		ConnectTimeout:   cfg.ConnectTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		AckTimeout:       cfg.AckTimeout,
		Credentials:      creds,
		Settlement:       coord,
		Logger:           log,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Shutdown(sctx)
	}()

	client.Connect(ctx)

	if _, err := client.Open(ctx); err != nil {
		return err
	}
	for _, id := range items {
		if _, recorded, err := client.RecordEvent(ctx, id); err != nil {
			return err
		} else if !recorded {
			log.InfoContext(ctx, "clearnodectl.item.skipped", slog.String("item", id))
		}
	}
	if _, err := client.Close(ctx); err != nil {
		return err
	}

	if coord != nil {
		_, err := client.Settle(ctx)
		switch {
		case errors.Is(err, billing.ErrNothingToSettle):
			log.InfoContext(ctx, "clearnodectl.settle.skipped", slog.String("reason", err.Error()))
		case err != nil:
			printStatus(stdout, client.Status())
			return err
		}
	}
	printStatus(stdout, client.Status())
	return nil
}

func loadWallet(cfg config.Config, log *slog.Logger) (*signer.KeyWallet, error) {
	if cfg.WalletPrivateKey != "" {
		return signer.KeyWalletFromHex(cfg.WalletPrivateKey)
	}
	w, err := signer.GenerateKeyWallet()
	if err != nil {
		return nil, err
	}
	log.Warn("clearnodectl.wallet.generated", slog.String("address", w.Address().Hex()))
	return w, nil
}

// openCredentials picks the credential store: redis, then a file, then
// memory.
func openCredentials(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.Storage, error) {
	switch {
	case cfg.RedisAddr != "":
		return redis.Dial(ctx, cfg.RedisAddr)
	case cfg.CredentialFile != "":
		return file.Open(cfg.CredentialFile, file.WithLogger(log))
	default:
		return memory.New(64)
	}
}

func printStatus(w io.Writer, st billing.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "wallet\t%s\n", st.Wallet.Hex())
	fmt.Fprintf(tw, "session key\t%s\n", st.SessionKey.Hex())
	fmt.Fprintf(tw, "payee\t%s\n", st.Payee.Hex())
	fmt.Fprintf(tw, "application\t%s (%s)\n", st.Application, st.Protocol)
	fmt.Fprintf(tw, "price\t%s %s\n", st.PricePerItem, st.Asset)
	fmt.Fprintf(tw, "deposit\t%s %s\n", st.Deposit, st.Asset)
	fmt.Fprintf(tw, "transport\t%s\n", st.Transport)
	fmt.Fprintf(tw, "authenticated\t%t\n", st.Authenticated)
	if st.AuthError != "" {
		fmt.Fprintf(tw, "auth error\t%s\n", st.AuthError)
	}
	fmt.Fprintf(tw, "pending remote calls\t%d\n", st.PendingRemote)

	s := st.Session
	fmt.Fprintf(tw, "local session\t%s\n", s.LocalID)
	if s.RemoteID != "" {
		fmt.Fprintf(tw, "remote session\t%s\n", s.RemoteID)
	}
	fmt.Fprintf(tw, "items\t%d\n", s.ItemCount)
	fmt.Fprintf(tw, "owed\t%s %s\n", s.AmountOwed, st.Asset)
	fmt.Fprintf(tw, "state index\t%d\n", s.StateIndex)
	for _, a := range s.Allocations {
		fmt.Fprintf(tw, "allocation\t%s %s %s\n", a.Participant.Hex(), a.Amount, a.Asset)
	}
	fmt.Fprintf(tw, "closed\t%t\n", s.Closed)
	fmt.Fprintf(tw, "settled\t%t\n", s.Settled)

	if st.PendingSettlement != "" {
		fmt.Fprintf(tw, "pending tx\t%s\n", st.PendingSettlement)
	}
	if r := st.Receipt; r != nil {
		fmt.Fprintf(tw, "tx\t%s\n", r.Reference)
		fmt.Fprintf(tw, "block\t%d\n", r.ConfirmedBlock)
		fmt.Fprintf(tw, "fee\t%s\n", r.FeeUsed)
	}
}
