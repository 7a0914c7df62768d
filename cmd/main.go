package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"delta-neutral-bot/internal/config"
	"delta-neutral-bot/internal/domain"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "bot",
		Short:        "Delta-neutral funding-rate bot across Extended and Hyperliquid",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config", "directory containing config.yaml")

	load := func(cmd *cobra.Command) (*app, func(), error) {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		log := newLogger(cfg.App)
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return a, a.Close, nil
	}

	root.AddCommand(newRunCmd(load), newOnceCmd(load), newReconcileCmd(load), newStatusCmd(&configPath))
	return root
}

type loader func(cmd *cobra.Command) (*app, func(), error)

func newRunCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the strategy loops until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := load(cmd)
			if err != nil {
				return err
			}
			defer closeApp()
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.log.Info().
		Str("mode", a.cfg.Mode).
		Strs("tokens", a.cfg.Tokens).
		Bool("concurrent", a.cfg.Strategy.ConcurrentTokens).
		Strs("blocked", a.safety.Blocked()).
		Msg("starting delta-neutral bot")

	var bg conc.WaitGroup
	bg.Go(func() { a.serveMetrics(ctx) })
	bg.Go(func() { a.safety.RunReconciler(ctx) })
	if a.stream != nil {
		bg.Go(func() { a.stream.Run(ctx) })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.strat.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.log.Warn().Str("signal", sig.String()).Msg("shutdown requested")
		a.safety.Kill("signal " + sig.String())
	case <-done:
		a.log.Warn().Str("reason", a.safety.KillReason()).Msg("strategy stopped")
	}

	// held cycles close themselves once ctx ends; the close is bounded by leg
	// timeouts and the rollback attempt ceiling, so it is always awaited
	cancel()
	closeTimeout := a.cfg.Safety.ShutdownCloseTimeout
	select {
	case <-done:
	case <-time.After(closeTimeout):
		a.log.Warn().Dur("waited", closeTimeout).Int("in_flight", a.strat.InFlight()).Msg("strategy still closing cycles")
		<-done
	}

	// only cycles whose RunCycle has returned get the extra pass

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(parent), closeTimeout)
	defer cancelShutdown()
	err := a.safety.Shutdown(shutdownCtx, a.strat.Executor(), a.strat.ActiveCycles())
	bg.Wait()

	st := a.strat.Stats()
	a.log.Info().
		Int("attempted", st.Attempted).
		Int("completed", st.Completed).
		Int("aborted", st.Aborted).
		Int("rejected", st.Rejected).
		Int("escalated", st.Escalated).
		Float64("cumulative_pnl", st.CumulativePnL).
		Strs("blocked", a.safety.Blocked()).
		Msg("bot stopped")
	return err
}

func newOnceCmd(load loader) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run exactly one cycle for a token and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.ToUpper(token)
			if !slices.Contains(config.SupportedTokens, token) {
				return fmt.Errorf("unsupported token %q", token)
			}
			a, closeApp, err := load(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, runErr := a.strat.RunCycle(ctx, token)
			if c != nil {
				printCycle(cmd, c)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&token, "token", "ETH", "token to trade")
	return cmd
}

func printCycle(cmd *cobra.Command, c *domain.TradeCycle) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "cycle\t%s\n", c.ID)
	fmt.Fprintf(w, "token\t%s\n", c.Token)
	fmt.Fprintf(w, "state\t%s\n", c.State)
	if c.Reason != "" {
		fmt.Fprintf(w, "reason\t%s\n", c.Reason)
	}
	fmt.Fprintf(w, "size\t%.6f\n", c.Size)
	fmt.Fprintf(w, "notional\t%.2f\n", c.Notional)
	for _, leg := range []*domain.Leg{&c.LegA, &c.LegB} {
		fmt.Fprintf(w, "leg %s\t%s %s filled=%.6f entry=%.4f exit=%.4f\n",
			leg.Venue, leg.Side, leg.Status, leg.FilledSize, leg.EntryPrice, leg.ExitPrice)
	}
	fmt.Fprintf(w, "funding accrued\t%.4f\n", c.FundingAccrued)
	fmt.Fprintf(w, "fees\t%.4f\n", c.Fees)
	fmt.Fprintf(w, "realized pnl\t%.4f\n", c.RealizedPnL)
}

func newReconcileCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print tokens still blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := load(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			blocked := a.safety.ReconcileOnce(cmd.Context())
			if len(blocked) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all tokens reconciled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocked: %s\n", strings.Join(blocked, ", "))
			return nil
		},
	}
}

// status reads the journal only; it never touches the venues.
func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print journaled cycles grouped by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			return printStatus(cmd, cfg)
		},
	}
}
