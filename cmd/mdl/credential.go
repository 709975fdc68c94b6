// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/svipe/go-mdl/trust"
	"github.com/svipe/go-mdl/verify"
)

func credentialCommand() *cli.Command {
	return &cli.Command{
		Name:  "credential",
		Usage: "manage stored credentials",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list stored credentials",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()

					names, err := db.CredentialNames(ctx)
					if err != nil {
						return err
					}
					for _, name := range names {
						cred, err := db.GetIdentityCredential(ctx, name)
						if err != nil {
							return err
						}
						fmt.Printf("%-20s %-30s %s\n", name, cred.DocType, cred.CreatedAt.Format(time.RFC3339))
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "check a stored credential and print its elements",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "lenient", Usage: "report failed checks instead of failing"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() != 1 {
						return errors.New("expected a credential name")
					}
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()

					stored, err := db.GetIdentityCredential(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					roots, err := loadRoots(ctx, cmd, db)
					if err != nil {
						return err
					}
					v := &verify.Verifier{Roots: roots, Lenient: cmd.Bool("lenient")}
					cred, err := v.VerifyEntry(verify.SigningEntry{IssuerAuth: stored.IssuerAuth, IssuerNameSpaces: stored.NameSpaces})
					if err != nil {
						return err
					}
					return printCredential(os.Stdout, 0, cred)
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a stored credential",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() != 1 {
						return errors.New("expected a credential name")
					}
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()
					return db.DeleteCredential(ctx, cmd.Args().First())
				},
			},
		},
	}
}

func rootsCommand() *cli.Command {
	return &cli.Command{
		Name:  "roots",
		Usage: "manage trusted issuing authority roots",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "trust the root certificates of a PEM file",
				ArgsUsage: "<file.pem>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "country", Usage: "restrict the roots to an issuing country"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() != 1 {
						return errors.New("expected a PEM file")
					}
					pemBytes, err := os.ReadFile(cmd.Args().First())
					if err != nil {
						return err
					}
					parsed := trust.NewRootSet()
					if err := parsed.LoadPEM(pemBytes, cmd.String("country")); err != nil {
						return err
					}

					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()
					for _, root := range parsed.Roots() {
						if err := db.AddRootCertificate(ctx, root.Certificate, root.Country); err != nil {
							return err
						}
						fmt.Println("trusted", root.Certificate.Subject)
					}
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "list trusted roots",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()

					roots, err := loadRoots(ctx, cmd, db)
					if err != nil {
						return err
					}
					for _, root := range roots.Roots() {
						fmt.Printf("%-4s %s (until %s)\n", root.Country, root.Certificate.Subject,
							root.Certificate.NotAfter.Format(time.DateOnly))
					}
					return nil
				},
			},
		},
	}
}
