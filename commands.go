package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"futures-worker/internal/api"
	"futures-worker/internal/bots"
	"futures-worker/pkg/config"
	"futures-worker/pkg/crypto"
	"futures-worker/pkg/db"
	exfutusdt "futures-worker/pkg/exchanges/binance/futures_usdt"
	"futures-worker/pkg/exchanges/common"
)

// newRootCmd creates the root command
func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "futures-worker",
		Short: "Places and supervises bracketed futures orders from upstream signals",
		Long: `futures-worker consumes ARM/DISARM signals from Redis streams, places an
entry with stop-loss and take-profit brackets on Binance USDT-M futures for
every subscribed bot, and keeps the three legs consistent until they close.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return nil
		},
	}

	cfgFn := func() *config.Config { return cfg }
	rootCmd.AddCommand(newRunCmd(cfgFn))
	rootCmd.AddCommand(newReconcileCmd(cfgFn))
	rootCmd.AddCommand(newSyncBotsCmd(cfgFn))
	rootCmd.AddCommand(newSmokeCheckCmd(cfgFn))
	rootCmd.AddCommand(newTokenCmd(cfgFn))
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newSealCmd(cfgFn))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newRunCmd creates the run command
func newRunCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker: signal consumer, placement, monitor and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cfg())
		},
	}
}

// newReconcileCmd creates the reconcile command
func newReconcileCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve trios left mid-flight and exit",
		Long: `Runs one recovery pass over PENDING, ROLLING_BACK, AMBIGUOUS and CLOSING
trios against the exchange. Do not run it next to a live worker on the same
database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newWorker(cfg())
			if err != nil {
				return err
			}
			defer w.Close()

			report, err := w.recovery.RecoverAll(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range report.Results {
				if r.Err != nil {
					fmt.Fprintf(out, "%s\t%s\tunresolved: %v\n", r.TrioID, r.From, r.Err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s -> %s\t%s\n", r.TrioID, r.From, r.To, r.Note)
			}
			fmt.Fprintf(out, "checked %d, unresolved %d\n", report.Checked, report.Unresolved)
			if report.Unresolved > 0 {
				return fmt.Errorf("%d trio(s) unresolved", report.Unresolved)
			}
			return nil
		},
	}
}

// newSyncBotsCmd creates the sync-bots command
func newSyncBotsCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-bots [FILE]",
		Short: "Upsert bots and sealed credentials from a YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			path := c.BotsFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no bots file: pass FILE or set BOTS_FILE")
			}

			database, err := db.New(c.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := db.ApplyMigrations(database); err != nil {
				return err
			}
			keys, err := loadKeys(c)
			if err != nil {
				return err
			}
			n, err := bots.Sync(cmd.Context(), database, keys, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d bot(s) from %s\n", n, path)
			return nil
		},
	}
	return cmd
}

// newSmokeCheckCmd creates the smoke-check command
func newSmokeCheckCmd(cfg func() *config.Config) *cobra.Command {
	var (
		symbol   string
		side     string
		priceArg string
	)
	cmd := &cobra.Command{
		Use:   "smoke-check CREDENTIAL",
		Short: "Verify a credential with read calls and a test order (nothing is placed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := decimal.NewFromString(priceArg)
			if err != nil || !price.IsPositive() {
				return fmt.Errorf("--price must be a positive number")
			}
			w, err := newWorker(cfg())
			if err != nil {
				return err
			}
			defer w.Close()
			return smokeCheck(cmd.Context(), w, args[0], strings.ToUpper(symbol), common.Side(strings.ToUpper(side)), price, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "Symbol to check")
	cmd.Flags().StringVar(&side, "side", "BUY", "Test order side")
	cmd.Flags().StringVar(&priceArg, "price", "", "Limit price for the test order")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func smokeCheck(ctx context.Context, w *worker, ref, symbol string, side common.Side, price decimal.Decimal, out io.Writer) error {
	client, err := w.clients.ResolveTradingClient(ctx, ref)
	if err != nil {
		return err
	}
	if p, ok := client.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
	}
	filter, err := client.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return fmt.Errorf("filters: %w", err)
	}
	balance, err := client.GetAvailableBalance(ctx, w.cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	leverage, err := client.GetLeverage(ctx, symbol)
	if err != nil {
		return fmt.Errorf("leverage: %w", err)
	}
	fmt.Fprintf(out, "filters: tick=%s step=%s min_qty=%s min_notional=%s\n", filter.TickSize, filter.StepSize, filter.MinQty, filter.MinNotional)
	fmt.Fprintf(out, "available %s: %s, leverage: %dx, hedge mode: %v\n", w.cfg.QuoteAsset, balance, leverage, client.HedgeMode())

	// Smallest order the exchange accepts at price.
	price = filter.RoundPrice(price)
	qty := filter.MinQty
	if filter.MinNotional.IsPositive() {
		need := filter.MinNotional.Div(price)
		if need.GreaterThan(qty) {
			qty = need
		}
	}
	qty = filter.RoundQty(qty.Add(filter.StepSize))

	req := common.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        common.OrderTypeLimit,
		TimeInForce: common.TIFGTC,
		Qty:         qty,
		Price:       price,
		ClientID:    "smoke-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
	}
	if client.HedgeMode() {
		req.PositionSide = common.PositionLong
		if side == common.SideSell {
			req.PositionSide = common.PositionShort
		}
	}
	tester, ok := unwrap(client).(*exfutusdt.Client)
	if !ok {
		return errors.New("credential does not resolve to a USDT-M futures client")
	}
	if err := tester.TestOrder(ctx, req); err != nil {
		return fmt.Errorf("test order: %w", err)
	}
	fmt.Fprintf(out, "test order accepted: %s %s %s @ %s\n", side, qty, symbol, price)
	return nil
}

func unwrap(c common.TradingClient) common.TradingClient {
	for {
		u, ok := c.(interface{ Unwrap() common.TradingClient })
		if !ok {
			return c
		}
		c = u.Unwrap()
	}
}

// newTokenCmd creates the token command
func newTokenCmd(cfg func() *config.Config) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token OPERATOR",
		Short: "Mint a bearer token for the ops API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := api.GenerateToken(args[0], cfg().JWTSecret, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// newKeygenCmd creates the keygen command
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random base64 AES-256 key for credential sealing",
		// No config needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// newSealCmd creates the seal command
func newSealCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal a secret read from stdin with the current key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := crypto.LoadKeyring(cfg().SecretKeyEnv)
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			sealed, err := keys.Seal(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Show version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "futures-worker %s\n", version)
		},
	}
}
