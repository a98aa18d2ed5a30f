package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment/pgattach"
	"github.com/Aidin1998/xaconn/internal/config"
	"github.com/Aidin1998/xaconn/internal/recoverylog"
	"github.com/Aidin1998/xaconn/internal/xa"
	"github.com/Aidin1998/xaconn/internal/xid"
	"github.com/Aidin1998/xaconn/pkg/logger"
	"github.com/Aidin1998/xaconn/pkg/telemetry"
)

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	factory *xa.Factory
	audit   *recoverylog.Store

	shutdownTelemetry func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(nil, configPaths...)
	if err != nil {
		return nil, err
	}
	l, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	tpb, err := cfg.Transaction.TPB()
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		ServiceName:    cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	a := &app{cfg: cfg, logger: l, shutdownTelemetry: shutdown}
	factoryCfg := xa.FactoryConfig{DefaultTPB: tpb}
	if cfg.Recovery.AuditEnabled {
		store, err := recoverylog.Open(cfg.Recovery.AuditDriver, cfg.Recovery.AuditDSN, l)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		a.audit = store
		factoryCfg.Audit = store
	}

	connector := pgattach.Connector(pgattach.Options{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	}, l)
	a.factory = xa.NewFactory(connector, factoryCfg, l)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("Failed to close recovery log", zap.Error(err))
		}
	}
	if err := a.shutdownTelemetry(ctx); err != nil {
		a.logger.Warn("Failed to shut down telemetry", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// parseXidArgs reads "<format_id> <global_id hex> [branch_id hex]".
func parseXidArgs(args []string) (xid.Xid, error) {
	if len(args) < 2 || len(args) > 3 {
		return xid.Xid{}, errors.New("expected <format_id> <global_id hex> [branch_id hex]")
	}
	formatID, err := strconv.ParseInt(args[0], 0, 32)
	if err != nil {
		return xid.Xid{}, fmt.Errorf("invalid format id %q: %w", args[0], err)
	}
	gtrid, err := hex.DecodeString(args[1])
	if err != nil {
		return xid.Xid{}, fmt.Errorf("invalid global id: %w", err)
	}
	var bqual []byte
	if len(args) == 3 {
		if bqual, err = hex.DecodeString(args[2]); err != nil {
			return xid.Xid{}, fmt.Errorf("invalid branch id: %w", err)
		}
	}
	return xid.New(int32(formatID), gtrid, bqual)
}
