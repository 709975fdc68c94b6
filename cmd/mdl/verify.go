// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli/v3"

	mdl "github.com/svipe/go-mdl"
	mdlhttp "github.com/svipe/go-mdl/http"
	"github.com/svipe/go-mdl/mrz"
	"github.com/svipe/go-mdl/verify"
)

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "submit a document to a verification service and check the issued credential",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "service-url",
				Usage:   "base URL of the verification service",
				Sources: cli.EnvVars("MDL_SERVICE_URL"),
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{Name: "document-number", Usage: "document number from the MRZ", Required: true},
			&cli.StringFlag{Name: "birth-date", Usage: "date of birth from the MRZ (YYMMDD)", Required: true},
			&cli.StringFlag{Name: "expiry-date", Usage: "date of expiry from the MRZ (YYMMDD)", Required: true},
			&cli.StringFlag{Name: "selfie", Usage: "image file sent with the document"},
			&cli.StringFlag{Name: "dg1", Usage: "chip data group 1 file"},
			&cli.StringFlag{Name: "dg2", Usage: "chip data group 2 file"},
			&cli.StringFlag{Name: "sod", Usage: "chip document security object file"},
			&cli.StringFlag{Name: "country", Usage: "only accept document signers of this country"},
			&cli.BoolFlag{Name: "lenient", Usage: "report failed checks instead of rejecting the credential"},
			&cli.BoolFlag{Name: "fetch-roots", Usage: "trust the roots published by the service (testing only)"},
			&cli.StringFlag{Name: "store", Usage: "store the verified credential under this name"},
			&cli.DurationFlag{Name: "timeout", Usage: "timeout of each request", Value: 30 * time.Second},
			&cli.IntFlag{Name: "retries", Usage: "retries of transient failures", Value: 2},
		},
		Action: runVerify,
	}
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	doc := verify.Document{MRZ: mrz.Info{
		DocumentNumber: cmd.String("document-number"),
		DateOfBirth:    cmd.String("birth-date"),
		DateOfExpiry:   cmd.String("expiry-date"),
	}}
	key, err := doc.MRZ.Key()
	if err != nil {
		return err
	}
	slog.Debug("MRZ key", "key", key)

	chip, err := readChip(cmd)
	if err != nil {
		return err
	}
	doc.Chip = chip
	selfie, err := readOptional(cmd.String("selfie"))
	if err != nil {
		return err
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	client := &mdlhttp.Client{
		Client: &http.Client{Timeout: cmd.Duration("timeout")},
		Base:   cmd.String("service-url"),
	}
	roots, err := loadRoots(ctx, cmd, db)
	if err != nil {
		return err
	}
	if cmd.Bool("fetch-roots") {
		pemBytes, err := client.Roots(ctx)
		if err != nil {
			return fmt.Errorf("error fetching service roots: %w", err)
		}
		if err := roots.LoadPEM(pemBytes, ""); err != nil {
			return err
		}
	}

	v := &verify.Verifier{
		Service:        client,
		Roots:          roots,
		IssuingCountry: cmd.String("country"),
		Lenient:        cmd.Bool("lenient"),
	}
	var creds []*verify.IssuedCredential
	err = retry(ctx, int(cmd.Int("retries")), func() error {
		creds, err = v.Verify(ctx, doc, selfie)
		return err
	})
	if err != nil {
		return err
	}

	for i, cred := range creds {
		if err := printCredential(os.Stdout, i, cred); err != nil {
			return err
		}
	}

	if name := cmd.String("store"); name != "" {
		if !creds[0].Trusted() {
			return fmt.Errorf("credential has %d failed checks and was not stored", len(creds[0].Problems))
		}
		if err := db.AddCredential(ctx, creds[0].Credential(name)); err != nil {
			return err
		}
		slog.Info("stored credential", "name", name)
	}
	return nil
}

// retry calls fn until it succeeds, fails permanently, or retries run out.
// Delays double from half a second.
func retry(ctx context.Context, retries int, fn func() error) error {
	delay := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || attempt >= retries || !mdl.IsRetryable(err) {
			return err
		}
		slog.Warn("retrying verification", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func readChip(cmd *cli.Command) (*verify.Chip, error) {
	var chip verify.Chip
	var err error
	if chip.DG1, err = readOptional(cmd.String("dg1")); err != nil {
		return nil, err
	}
	if chip.DG2, err = readOptional(cmd.String("dg2")); err != nil {
		return nil, err
	}
	if chip.SOD, err = readOptional(cmd.String("sod")); err != nil {
		return nil, err
	}
	if chip.DG1 == nil && chip.DG2 == nil && chip.SOD == nil {
		return nil, nil
	}
	if chip.DG1 == nil || chip.SOD == nil {
		return nil, errors.New("chip data requires both --dg1 and --sod")
	}
	return &chip, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path) //nolint:gosec // user supplied path
}

func printCredential(w io.Writer, i int, cred *verify.IssuedCredential) error {
	_, _ = fmt.Fprintf(w, "Credential %d\n", i)
	if cred.DSCertificate != nil {
		_, _ = fmt.Fprintf(w, "  Signer:   %s\n", cred.DSCertificate.Subject)
	}
	if cred.MSO != nil {
		_, _ = fmt.Fprintf(w, "  DocType:  %s\n", cred.MSO.DocType)
		_, _ = fmt.Fprintf(w, "  Valid:    %s to %s\n",
			cred.MSO.ValidityInfo.ValidFrom.Format(time.RFC3339), cred.MSO.ValidityInfo.ValidUntil.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(w, "  Trusted:  %t\n", cred.Trusted())
	for _, p := range cred.Problems {
		_, _ = fmt.Fprintf(w, "  Problem:  %v\n", p)
	}
	return printAttributes(w, cred.NameSpaces)
}

func printAttributes(w io.Writer, ns verify.IssuerNameSpaces) error {
	attrs, err := ns.Attributes()
	if err != nil {
		return err
	}
	for _, n := range ns {
		_, _ = fmt.Fprintf(w, "  %s\n", n.Name)
		elems := attrs[n.Name]
		for _, id := range slices.Sorted(maps.Keys(elems)) {
			switch v := elems[id].(type) {
			case []byte:
				_, _ = fmt.Fprintf(w, "    %-20s <%d bytes>\n", id, len(v))
			default:
				_, _ = fmt.Fprintf(w, "    %-20s %v\n", id, v)
			}
		}
	}
	return nil
}
