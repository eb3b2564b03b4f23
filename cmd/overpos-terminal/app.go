// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Isna13/BarManagerPro-sub001/internal/config"
	"github.com/Isna13/BarManagerPro-sub001/internal/retail"
	"github.com/Isna13/BarManagerPro-sub001/oversqlite"
)

// app is one opened terminal: its database, sync engine and business service
type app struct {
	cfg     *config.TerminalConfig
	db      *sql.DB
	orch    *oversqlite.Orchestrator
	retail  *retail.Service
	logger  *slog.Logger
	session *oversqlite.SyncSession
}

func newRemote(cfg *config.TerminalConfig, session *oversqlite.SyncSession) oversqlite.Remote {
	return oversqlite.NewHTTPRemote(cfg.ServerURL, session, &http.Client{})
}

func openApp(ctx context.Context, cfg *config.TerminalConfig, logger *slog.Logger) (*app, error) {
	db, err := oversqlite.OpenDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open terminal database: %w", err)
	}
	if err := retail.InitializeLocalTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = oversqlite.EnsureDeviceID(db, cfg.BranchID); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	session := oversqlite.NewSyncSession(oversqlite.StaticToken(cfg.Token), logger)
	registry := oversqlite.NewRegistry(retail.Adapters()...)
	orch, err := oversqlite.NewOrchestrator(db, newRemote(cfg, session), registry, session, cfg.Engine(deviceID), logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		db:      db,
		orch:    orch,
		retail:  retail.NewService(db, orch.Outbox, cfg.BranchID, logger),
		logger:  logger,
		session: session,
	}, nil
}

func (a *app) Close() error {
	a.orch.Stop()
	return a.db.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
