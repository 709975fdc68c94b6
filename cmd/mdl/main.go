// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package main implements the mdl command: device engagement, offline
// presentation, issuer verification and credential storage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/svipe/go-mdl/sqlite"
	"github.com/svipe/go-mdl/trust"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "mdl: %v\n", err)
		os.Exit(2)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "mdl",
		Usage: "mobile driving licence engagement, transfer and issuer verification",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "log at debug level, including CBOR and HTTP bodies",
				Sources: cli.EnvVars("MDL_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "SQLite database of credentials and trusted roots",
				Value:   "mdl.db",
				Sources: cli.EnvVars("MDL_DB"),
			},
			&cli.StringFlag{
				Name:    "db-pass",
				Usage:   "encrypt the database at rest with this password",
				Sources: cli.EnvVars("MDL_DB_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "roots",
				Usage:   "PEM file of additional trusted issuing authority roots",
				Sources: cli.EnvVars("MDL_ROOTS"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				level.Set(slog.LevelDebug)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			engageCommand(),
			decodeCommand(),
			verifyCommand(),
			presentCommand(),
			issuerCommand(),
			credentialCommand(),
			rootsCommand(),
		},
	}
}

func openDB(cmd *cli.Command) (*sqlite.DB, error) {
	db, err := sqlite.Open(cmd.String("db"), cmd.String("db-pass"))
	if err != nil {
		return nil, err
	}
	if cmd.Bool("debug") {
		db.DebugLog = os.Stderr
	}
	return db, nil
}

// loadRoots merges the stored roots with the PEM file named by --roots.
func loadRoots(ctx context.Context, cmd *cli.Command, db *sqlite.DB) (*trust.RootSet, error) {
	roots, err := db.RootSet(ctx)
	if err != nil {
		return nil, err
	}
	if path := cmd.String("roots"); path != "" {
		pemBytes, err := os.ReadFile(path) //nolint:gosec // user supplied path
		if err != nil {
			return nil, fmt.Errorf("error reading roots: %w", err)
		}
		if err := roots.LoadPEM(pemBytes, ""); err != nil {
			return nil, fmt.Errorf("error loading roots from %s: %w", path, err)
		}
	}
	slog.Debug("loaded trusted roots", "count", roots.Len())
	return roots, nil
}
