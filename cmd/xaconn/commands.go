package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/admin"
	"github.com/Aidin1998/xaconn/internal/pool"
	"github.com/Aidin1998/xaconn/internal/xid"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List in-limbo transaction branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			txs, err := a.factory.ListInLimbo(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NATIVE_ID\tFORMAT_ID\tGLOBAL_ID\tBRANCH_ID")
			for _, tx := range txs {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", tx.NativeID, tx.Xid.FormatID(),
					hex.EncodeToString(tx.Xid.GlobalID()), hex.EncodeToString(tx.Xid.BranchID()))
			}
			return w.Flush()
		},
	}
}

func newCompleteCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <format_id> <global_id hex> [branch_id hex]",
		Short: short,
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := parseXidArgs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := complete(ctx, a, verb, x); err != nil {
				a.logger.Error("Failed to resolve branch", zap.String("verb", verb), zap.String("xid", x.String()), zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", verb, x)
			return nil
		},
	}
}

func complete(ctx context.Context, a *app, verb string, x xid.Xid) error {
	switch verb {
	case "commit":
		return a.factory.NotifyCommit(ctx, x, false)
	case "rollback":
		return a.factory.NotifyRollback(ctx, x)
	case "forget":
		return a.factory.Forget(ctx, x)
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			connections := pool.New(a.factory, a.cfg.Pool.MaxIdle, a.logger)
			opts := admin.Options{
				AllowedOrigins: a.cfg.Admin.AllowedOrigins,
				HealthCheck: func(ctx context.Context) error {
					mc, err := connections.Get(ctx)
					if err != nil {
						return err
					}
					return mc.Close(ctx)
				},
			}
			if a.audit != nil {
				opts.Events = a.audit
			}
			srv := admin.NewServer(a.factory, opts, a.logger)

			httpServer := &http.Server{Addr: a.cfg.Admin.Addr, Handler: srv.Router()}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Starting admin server", zap.String("addr", a.cfg.Admin.Addr))
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				a.logger.Info("Shutting down admin server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Admin.ShutdownTimeout)
				defer cancel()
				err = httpServer.Shutdown(shutdownCtx)
			}
			if closeErr := connections.Close(context.Background()); closeErr != nil {
				a.logger.Warn("Failed to close connection pool", zap.Error(closeErr))
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
}
