// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	mdlhttp "github.com/svipe/go-mdl/http"
	"github.com/svipe/go-mdl/mockissuer"
)

func issuerCommand() *cli.Command {
	return &cli.Command{
		Name:  "issuer",
		Usage: "serve a mock verification service that signs every document it receives",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "address to listen on", Value: "localhost:8080"},
			&cli.StringFlag{Name: "country", Usage: "country of the issuing authority", Value: "UT"},
			&cli.DurationFlag{Name: "valid-for", Usage: "validity of issued credentials", Value: 30 * 24 * time.Hour},
			&cli.StringFlag{Name: "roots-out", Usage: "write the authority root PEM to this file"},
			&cli.BoolFlag{Name: "trust", Usage: "store the authority root in the database"},
		},
		Action: runIssuer,
	}
}

func runIssuer(ctx context.Context, cmd *cli.Command) error {
	authority, err := mockissuer.NewAuthority(cmd.String("country"))
	if err != nil {
		return err
	}
	iss := &mockissuer.Issuer{Authority: authority, ValidFor: cmd.Duration("valid-for")}

	if path := cmd.String("roots-out"); path != "" {
		if err := os.WriteFile(path, authority.RootPEM(), 0o600); err != nil {
			return err
		}
	}
	if cmd.Bool("trust") {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		err = db.AddRootCertificate(ctx, authority.Root, authority.Country)
		_ = db.Close()
		if err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           mdlhttp.DebugHandler(iss.Handler()),
		ReadHeaderTimeout: 3 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	lis, err := net.Listen("tcp", cmd.String("addr"))
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()
	slog.Info("Listening", "local", lis.Addr().String(), "country", authority.Country,
		"root", authority.Root.Subject.String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
